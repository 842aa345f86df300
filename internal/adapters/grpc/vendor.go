package grpc

import (
	"context"
	"time"

	"tripbook/internal/booking"

	"google.golang.org/grpc"
)

// VendorServiceName is the fully-qualified vendor service name.
const VendorServiceName = "tripbook.vendor.v1.VendorService"

type LockRequest struct {
	OfferRef  string `json:"offerRef"`
	Quantity  int    `json:"quantity"`
	TTLMillis int64  `json:"ttlMillis"`
}

type ConfirmRequest struct {
	OfferRef   string           `json:"offerRef"`
	Traveler   booking.Traveler `json:"traveler"`
	PaymentRef string           `json:"paymentRef"`
}

type ConfirmResponse struct {
	Code string `json:"code"`
}

type CancelRequest struct {
	Code string `json:"code"`
}

var vendorServiceDesc = grpc.ServiceDesc{
	ServiceName: VendorServiceName,
	HandlerType: (*booking.VendorClient)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Quote",
			Handler: unary(fullMethod(VendorServiceName, "Quote"), func(srv booking.VendorClient, ctx context.Context, req *booking.QuoteCriteria) (any, error) {
				offer, err := srv.Quote(ctx, *req)
				if err != nil {
					return nil, toStatus(err)
				}
				return &offer, nil
			}),
		},
		{
			MethodName: "Lock",
			Handler: unary(fullMethod(VendorServiceName, "Lock"), func(srv booking.VendorClient, ctx context.Context, req *LockRequest) (any, error) {
				lock, err := srv.Lock(ctx, req.OfferRef, req.Quantity, time.Duration(req.TTLMillis)*time.Millisecond)
				if err != nil {
					return nil, toStatus(err)
				}
				return &lock, nil
			}),
		},
		{
			MethodName: "Confirm",
			Handler: unary(fullMethod(VendorServiceName, "Confirm"), func(srv booking.VendorClient, ctx context.Context, req *ConfirmRequest) (any, error) {
				code, err := srv.Confirm(ctx, req.OfferRef, req.Traveler, req.PaymentRef)
				if err != nil {
					return nil, toStatus(err)
				}
				return &ConfirmResponse{Code: code}, nil
			}),
		},
		{
			MethodName: "Cancel",
			Handler: unary(fullMethod(VendorServiceName, "Cancel"), func(srv booking.VendorClient, ctx context.Context, req *CancelRequest) (any, error) {
				if err := srv.Cancel(ctx, req.Code); err != nil {
					return nil, toStatus(err)
				}
				return &Empty{}, nil
			}),
		},
	},
	Metadata: "tripbook/vendor/v1",
}

// RegisterVendorServer exposes a booking.VendorClient implementation as a
// VendorService. Used by vendor simulators and integration tests.
func RegisterVendorServer(s grpc.ServiceRegistrar, vendor booking.VendorClient) {
	s.RegisterService(&vendorServiceDesc, vendor)
}

// VendorClient is a booking.VendorClient that calls a remote VendorService.
type VendorClient struct {
	name string
	conn grpc.ClientConnInterface
}

// NewVendorClient constructs a client for the named vendor.
func NewVendorClient(name string, conn grpc.ClientConnInterface) *VendorClient {
	return &VendorClient{name: name, conn: conn}
}

func (c *VendorClient) Quote(ctx context.Context, criteria booking.QuoteCriteria) (booking.Offer, error) {
	var out booking.Offer
	if err := c.invoke(ctx, "Quote", &criteria, &out); err != nil {
		return booking.Offer{}, err
	}
	return out, nil
}

func (c *VendorClient) Lock(ctx context.Context, offerRef string, quantity int, ttl time.Duration) (booking.PriceLock, error) {
	var out booking.PriceLock
	req := &LockRequest{OfferRef: offerRef, Quantity: quantity, TTLMillis: ttl.Milliseconds()}
	if err := c.invoke(ctx, "Lock", req, &out); err != nil {
		return booking.PriceLock{}, err
	}
	return out, nil
}

func (c *VendorClient) Confirm(ctx context.Context, offerRef string, traveler booking.Traveler, paymentRef string) (string, error) {
	var out ConfirmResponse
	if err := c.invoke(ctx, "Confirm", &ConfirmRequest{OfferRef: offerRef, Traveler: traveler, PaymentRef: paymentRef}, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

func (c *VendorClient) Cancel(ctx context.Context, confirmationCode string) error {
	return c.invoke(ctx, "Cancel", &CancelRequest{Code: confirmationCode}, &Empty{})
}

func (c *VendorClient) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, fullMethod(VendorServiceName, method), req, resp, grpc.CallContentSubtype(codecName))
	return fromStatus("vendor "+c.name+" "+method, err, booking.ErrVendorRejected)
}
