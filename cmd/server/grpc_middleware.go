package main

import (
	"context"
	"log"
	"strings"
	"time"

	"tripbook/internal/observability"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// grpcRateLimiter is a token bucket over x/time/rate that reports how
// long each caller had to wait.
type grpcRateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
	onWait  func(time.Duration)
}

func newGrpcRateLimiter(interval time.Duration, burst int, onWait func(time.Duration)) *grpcRateLimiter {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	return &grpcRateLimiter{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		now:     time.Now,
		onWait:  onWait,
	}
}

func (r *grpcRateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	start := r.now()
	if err := r.limiter.Wait(ctx); err != nil {
		return status.Errorf(codes.ResourceExhausted, "rate limited: %v", err)
	}
	if r.onWait != nil {
		r.onWait(r.now().Sub(start))
	}
	return nil
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start("grpc" + info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			log.Printf("grpc unary %s error after %v: %v", info.FullMethod, time.Since(start), err)
		}
		return resp, err
	}
}

func rateLimitStreamInterceptor(limiter rateLimiter, metrics *observability.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start("grpc" + info.FullMethod)
		}
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			log.Printf("grpc stream %s error after %v: %v", info.FullMethod, time.Since(start), err)
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
