package main

import (
	"context"
	"testing"
	"time"

	"tripbook/internal/observability"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Wait(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubServerStream struct {
	ctx       context.Context
	recvCalls int
	recvErr   error
}

func (s *stubServerStream) Context() context.Context { return s.ctx }
func (s *stubServerStream) RecvMsg(m any) error {
	s.recvCalls++
	return s.recvErr
}
func (s *stubServerStream) SendMsg(m any) error { return nil }
func (s *stubServerStream) SetHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SendHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SetTrailer(md metadata.MD) {}

const submitMethod = "/tripbook.booking.v1.BookingService/SubmitBooking"

func TestRateLimitUnaryInterceptor_CallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	metrics := observability.NewMetrics()
	interceptor := rateLimitUnaryInterceptor(limiter, metrics)

	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: submitMethod}, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if got := metrics.Snapshot().Operations["grpc"+submitMethod].Count; got != 1 {
		t.Fatalf("expected one recorded call, got %d", got)
	}
}

func TestRateLimitUnaryInterceptor_RejectsWithoutCallingHandler(t *testing.T) {
	limiter := &stubLimiter{err: status.Error(codes.ResourceExhausted, "slow down")}
	interceptor := rateLimitUnaryInterceptor(limiter, nil)

	called := false
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: submitMethod}, func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run when rate limited")
	}
}

func TestRateLimitedServerStream_RecvMsgCallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	stream := &stubServerStream{ctx: context.Background()}
	wrapped := &rateLimitedServerStream{
		ServerStream: stream,
		limiter:      limiter,
	}

	if err := wrapped.RecvMsg(&struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if stream.recvCalls != 1 {
		t.Fatalf("expected recv to be called once, got %d", stream.recvCalls)
	}
}

func TestRateLimitStreamInterceptor_WrapsStream(t *testing.T) {
	limiter := &stubLimiter{}
	interceptor := rateLimitStreamInterceptor(limiter, nil)
	stream := &stubServerStream{ctx: context.Background()}

	err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/x/Y"}, func(srv any, ss grpc.ServerStream) error {
		return ss.RecvMsg(&struct{}{})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 || stream.recvCalls != 1 {
		t.Fatalf("expected limited recv, got limiter=%d recv=%d", limiter.calls, stream.recvCalls)
	}
}

func TestGrpcRateLimiter_WaitsForTokens(t *testing.T) {
	var waits []time.Duration
	limiter := newGrpcRateLimiter(20*time.Millisecond, 1, func(d time.Duration) { waits = append(waits, d) })

	for i := 0; i < 2; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(waits) != 2 {
		t.Fatalf("expected two recorded waits, got %v", waits)
	}
	if waits[1] < 10*time.Millisecond {
		t.Fatalf("second caller should have waited for a token, waited %v", waits[1])
	}
}

func TestGrpcRateLimiter_CancelledContext(t *testing.T) {
	limiter := newGrpcRateLimiter(time.Hour, 1, nil)
	_ = limiter.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := limiter.Wait(ctx)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
}

func TestGrpcRateLimiter_DisabledIsNil(t *testing.T) {
	if l := newGrpcRateLimiter(0, 5, nil); l != nil {
		t.Fatalf("expected nil limiter when interval is zero")
	}
	var l *grpcRateLimiter
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("nil limiter must not block: %v", err)
	}
}
