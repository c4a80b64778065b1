// Package grpcclient connects to the remote feature extraction service.
package grpcclient

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/docverify/internal/featureextractor"
	"github.com/example/docverify/internal/logging"
)

// ExtractMethod is the full gRPC method name of the feature extraction RPC. The request is a
// PNG-encoded image in a BytesValue; the response is a ListValue of numbers.
const ExtractMethod = "/docverify.features.v1.FeatureExtractor/Extract"

// DialFeatureExtractor returns a ready-to-use gRPC client for the feature service.
func DialFeatureExtractor(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (featureextractor.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_feature_extractor", "", err)
		logger.Error("failed to dial feature extractor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, logger), conn, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface, logger *zap.Logger) featureextractor.Client {
	return &grpcFeatureExtractor{conn: conn, logger: logger}
}

type grpcFeatureExtractor struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcFeatureExtractor) Extract(ctx context.Context, img image.Image) ([]float64, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_image", "", err)
	}

	resp := &structpb.ListValue{}
	if err := g.conn.Invoke(ctx, ExtractMethod, wrapperspb.Bytes(buf.Bytes()), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.extract_features", "", err)
		g.logger.Warn("feature extractor call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	features := make([]float64, 0, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, logging.NewOperationError("grpcclient.extract_features", "", fmt.Errorf("feature %d is not a number", i))
		}
		features = append(features, n.NumberValue)
	}
	return features, nil
}
