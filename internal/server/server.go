// ============================================================================
// geo-sampler 健康檢查服務 - gRPC Health
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以標準 grpc.health.v1 協定回報執行迴圈狀態
//
// 服務名稱:
//   - ""            : 行程本身，啟動後一律 SERVING
//   - ServiceRunLoop: 執行迴圈運行中為 SERVING，否則 NOT_SERVING
//
// 查詢方式:
//   grpc-health-probe -addr=localhost:50051 -service=geo_sampler.RunLoop
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func logger() *slog.Logger { return slog.Default() }

// ServiceRunLoop 執行迴圈的健康檢查服務名稱
const ServiceRunLoop = "geo_sampler.RunLoop"

// Health gRPC 健康檢查伺服器
type Health struct {
	health *health.Server
	grpc   *grpc.Server
}

// NewHealth 建立健康檢查伺服器，執行迴圈初始為 NOT_SERVING
func NewHealth() *Health {
	h := &Health{
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	reflection.Register(h.grpc)

	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(ServiceRunLoop, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetServing 更新執行迴圈狀態（controller.Health）
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceRunLoop, status)
}

// Serve 在 port 上監聽，ctx 取消時關閉
func (h *Health) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("health listen: %w", err)
	}
	logger().Info("Health server listening", "addr", lis.Addr().String())
	return h.ServeListener(ctx, lis)
}

// ServeListener 在既有 listener 上提供服務
func (h *Health) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.grpc.GracefulStop()
	}()

	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
