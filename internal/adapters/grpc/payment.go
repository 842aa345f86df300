package grpc

import (
	"context"

	"tripbook/internal/booking"

	"google.golang.org/grpc"
)

// PaymentServiceName is the fully-qualified payment gateway service name.
const PaymentServiceName = "tripbook.payment.v1.PaymentGateway"

type CaptureRequest struct {
	Key         string `json:"key"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	CustomerRef string `json:"customerRef"`
}

type CaptureResponse struct {
	GatewayReference string `json:"gatewayReference"`
}

type RefundRequest struct {
	Key        string `json:"key"`
	GatewayRef string `json:"gatewayRef"`
	Amount     int64  `json:"amount"`
}

type QueryRequest struct {
	Key string `json:"key"`
}

var paymentServiceDesc = grpc.ServiceDesc{
	ServiceName: PaymentServiceName,
	HandlerType: (*booking.PaymentGateway)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Capture",
			Handler: unary(fullMethod(PaymentServiceName, "Capture"), func(srv booking.PaymentGateway, ctx context.Context, req *CaptureRequest) (any, error) {
				ref, err := srv.Capture(ctx, req.Key, req.Amount, req.Currency, req.CustomerRef)
				if err != nil {
					return nil, toStatus(err)
				}
				return &CaptureResponse{GatewayReference: ref}, nil
			}),
		},
		{
			MethodName: "Refund",
			Handler: unary(fullMethod(PaymentServiceName, "Refund"), func(srv booking.PaymentGateway, ctx context.Context, req *RefundRequest) (any, error) {
				if err := srv.Refund(ctx, req.Key, req.GatewayRef, req.Amount); err != nil {
					return nil, toStatus(err)
				}
				return &Empty{}, nil
			}),
		},
		{
			MethodName: "Query",
			Handler: unary(fullMethod(PaymentServiceName, "Query"), func(srv booking.PaymentGateway, ctx context.Context, req *QueryRequest) (any, error) {
				st, err := srv.QueryByIdempotencyKey(ctx, req.Key)
				if err != nil {
					return nil, toStatus(err)
				}
				return &st, nil
			}),
		},
	},
	Metadata: "tripbook/payment/v1",
}

// RegisterPaymentServer exposes a booking.PaymentGateway implementation as a
// PaymentGateway service.
func RegisterPaymentServer(s grpc.ServiceRegistrar, gateway booking.PaymentGateway) {
	s.RegisterService(&paymentServiceDesc, gateway)
}

// PaymentClient is a booking.PaymentGateway that calls a remote gateway.
// Declines come back as FailedPrecondition and map to ErrPaymentDeclined.
type PaymentClient struct {
	conn grpc.ClientConnInterface
}

func NewPaymentClient(conn grpc.ClientConnInterface) *PaymentClient {
	return &PaymentClient{conn: conn}
}

func (c *PaymentClient) Capture(ctx context.Context, idempotencyKey string, amount int64, currency, customerRef string) (string, error) {
	var out CaptureResponse
	req := &CaptureRequest{Key: idempotencyKey, Amount: amount, Currency: currency, CustomerRef: customerRef}
	if err := c.invoke(ctx, "Capture", req, &out); err != nil {
		return "", err
	}
	return out.GatewayReference, nil
}

func (c *PaymentClient) Refund(ctx context.Context, idempotencyKey, gatewayRef string, amount int64) error {
	return c.invoke(ctx, "Refund", &RefundRequest{Key: idempotencyKey, GatewayRef: gatewayRef, Amount: amount}, &Empty{})
}

func (c *PaymentClient) QueryByIdempotencyKey(ctx context.Context, idempotencyKey string) (booking.PaymentStatus, error) {
	var out booking.PaymentStatus
	if err := c.invoke(ctx, "Query", &QueryRequest{Key: idempotencyKey}, &out); err != nil {
		return booking.PaymentStatus{}, err
	}
	return out, nil
}

func (c *PaymentClient) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, fullMethod(PaymentServiceName, method), req, resp, grpc.CallContentSubtype(codecName))
	return fromStatus("payment "+method, err, booking.ErrPaymentDeclined)
}
