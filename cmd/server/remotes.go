package main

import (
	"fmt"
	"log"

	"tripbook/cmd/server/config"
	"tripbook/internal/adapters/grpc"
	"tripbook/internal/booking"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var dialRemote = func(addr string) (*grpcpkg.ClientConn, error) {
	return grpcpkg.NewClient(addr, grpcpkg.WithTransportCredentials(insecure.NewCredentials()))
}

// dialRemotes opens one client connection per vendor and one to the
// payment gateway. Connections are lazy; nothing is contacted until the
// first call.
func dialRemotes(cfg config.RemotesConfig) (booking.Vendors, booking.PaymentGateway, func(), error) {
	var conns []*grpcpkg.ClientConn
	cleanup := func() {
		for _, conn := range conns {
			if err := conn.Close(); err != nil {
				log.Printf("close %s: %v", conn.Target(), err)
			}
		}
	}

	vendors := make(booking.Vendors, len(cfg.Vendors))
	for name, addr := range cfg.Vendors {
		conn, err := dialRemote(addr)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("dial vendor %s at %s: %w", name, addr, err)
		}
		conns = append(conns, conn)
		vendors[name] = grpc.NewVendorClient(name, conn)
	}

	conn, err := dialRemote(cfg.PaymentGateway)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("dial payment gateway at %s: %w", cfg.PaymentGateway, err)
	}
	conns = append(conns, conn)
	return vendors, grpc.NewPaymentClient(conn), cleanup, nil
}
