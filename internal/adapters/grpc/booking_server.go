package grpc

import (
	"context"
	"time"

	"tripbook/internal/booking"

	"google.golang.org/grpc"
)

// BookingServiceName is the fully-qualified inbound service name.
const BookingServiceName = "tripbook.booking.v1.BookingService"

// BookingService defines the behavior needed by the gRPC adapter.
type BookingService interface {
	SubmitBooking(ctx context.Context, sel booking.PackageSelection) (*booking.BookingSaga, error)
	GetSagaStatus(ctx context.Context, sagaID string) (*booking.BookingSaga, error)
	Resume(ctx context.Context, sagaID string) (*booking.BookingSaga, error)
	Cancel(sagaID string) bool
	Quote(ctx context.Context, vendor string, criteria booking.QuoteCriteria) (booking.Offer, error)
}

// SubmitBookingRequest carries a package selection. LockTTLSeconds, when
// set, overrides the default price-lock window.
type SubmitBookingRequest struct {
	booking.PackageSelection
	LockTTLSeconds int64 `json:"lockTtlSeconds,omitempty"`
}

// Selection returns the selection with the lock window applied.
func (r *SubmitBookingRequest) Selection() booking.PackageSelection {
	sel := r.PackageSelection
	if r.LockTTLSeconds > 0 {
		sel.LockTTL = time.Duration(r.LockTTLSeconds) * time.Second
	}
	return sel
}

type SagaRequest struct {
	SagaID string `json:"sagaId"`
}

type CancelSagaResponse struct {
	Cancelled bool `json:"cancelled"`
}

type QuoteRequest struct {
	Vendor   string                `json:"vendor"`
	Criteria booking.QuoteCriteria `json:"criteria"`
}

// BookingServer adapts BookingService to gRPC. Failed bookings are a
// normal response carrying the failed saga; only rejected input and
// infrastructure failures become gRPC errors.
type BookingServer struct {
	service BookingService
}

// NewBookingServer constructs a BookingServer.
func NewBookingServer(svc BookingService) *BookingServer {
	return &BookingServer{service: svc}
}

func (s *BookingServer) SubmitBooking(ctx context.Context, req *SubmitBookingRequest) (*booking.BookingSaga, error) {
	result, err := s.service.SubmitBooking(ctx, req.Selection())
	if err != nil {
		return nil, toStatus(err)
	}
	return result, nil
}

func (s *BookingServer) GetSagaStatus(ctx context.Context, req *SagaRequest) (*booking.BookingSaga, error) {
	result, err := s.service.GetSagaStatus(ctx, req.SagaID)
	if err != nil {
		return nil, toStatus(err)
	}
	return result, nil
}

func (s *BookingServer) ResumeSaga(ctx context.Context, req *SagaRequest) (*booking.BookingSaga, error) {
	result, err := s.service.Resume(ctx, req.SagaID)
	if err != nil {
		return nil, toStatus(err)
	}
	return result, nil
}

func (s *BookingServer) CancelSaga(ctx context.Context, req *SagaRequest) (*CancelSagaResponse, error) {
	return &CancelSagaResponse{Cancelled: s.service.Cancel(req.SagaID)}, nil
}

func (s *BookingServer) Quote(ctx context.Context, req *QuoteRequest) (*booking.Offer, error) {
	offer, err := s.service.Quote(ctx, req.Vendor, req.Criteria)
	if err != nil {
		return nil, toStatus(err)
	}
	return &offer, nil
}

type bookingHandler interface {
	SubmitBooking(ctx context.Context, req *SubmitBookingRequest) (*booking.BookingSaga, error)
	GetSagaStatus(ctx context.Context, req *SagaRequest) (*booking.BookingSaga, error)
	ResumeSaga(ctx context.Context, req *SagaRequest) (*booking.BookingSaga, error)
	CancelSaga(ctx context.Context, req *SagaRequest) (*CancelSagaResponse, error)
	Quote(ctx context.Context, req *QuoteRequest) (*booking.Offer, error)
}

var bookingServiceDesc = grpc.ServiceDesc{
	ServiceName: BookingServiceName,
	HandlerType: (*bookingHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitBooking",
			Handler: unary(fullMethod(BookingServiceName, "SubmitBooking"), func(srv bookingHandler, ctx context.Context, req *SubmitBookingRequest) (any, error) {
				return srv.SubmitBooking(ctx, req)
			}),
		},
		{
			MethodName: "GetSagaStatus",
			Handler: unary(fullMethod(BookingServiceName, "GetSagaStatus"), func(srv bookingHandler, ctx context.Context, req *SagaRequest) (any, error) {
				return srv.GetSagaStatus(ctx, req)
			}),
		},
		{
			MethodName: "ResumeSaga",
			Handler: unary(fullMethod(BookingServiceName, "ResumeSaga"), func(srv bookingHandler, ctx context.Context, req *SagaRequest) (any, error) {
				return srv.ResumeSaga(ctx, req)
			}),
		},
		{
			MethodName: "CancelSaga",
			Handler: unary(fullMethod(BookingServiceName, "CancelSaga"), func(srv bookingHandler, ctx context.Context, req *SagaRequest) (any, error) {
				return srv.CancelSaga(ctx, req)
			}),
		},
		{
			MethodName: "Quote",
			Handler: unary(fullMethod(BookingServiceName, "Quote"), func(srv bookingHandler, ctx context.Context, req *QuoteRequest) (any, error) {
				return srv.Quote(ctx, req)
			}),
		},
	},
	Metadata: "tripbook/booking/v1",
}

// RegisterBookingServer registers the BookingService on s.
func RegisterBookingServer(s grpc.ServiceRegistrar, srv *BookingServer) {
	s.RegisterService(&bookingServiceDesc, srv)
}

// BookingClient calls a remote BookingService.
type BookingClient struct {
	conn grpc.ClientConnInterface
}

func NewBookingClient(conn grpc.ClientConnInterface) *BookingClient {
	return &BookingClient{conn: conn}
}

func (c *BookingClient) SubmitBooking(ctx context.Context, req *SubmitBookingRequest) (*booking.BookingSaga, error) {
	out := new(booking.BookingSaga)
	if err := c.conn.Invoke(ctx, fullMethod(BookingServiceName, "SubmitBooking"), req, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BookingClient) GetSagaStatus(ctx context.Context, sagaID string) (*booking.BookingSaga, error) {
	out := new(booking.BookingSaga)
	if err := c.conn.Invoke(ctx, fullMethod(BookingServiceName, "GetSagaStatus"), &SagaRequest{SagaID: sagaID}, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BookingClient) CancelSaga(ctx context.Context, sagaID string) (bool, error) {
	var out CancelSagaResponse
	if err := c.conn.Invoke(ctx, fullMethod(BookingServiceName, "CancelSaga"), &SagaRequest{SagaID: sagaID}, &out, grpc.CallContentSubtype(codecName)); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}
