package api

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/netx"
	"github.com/dmitrijs2005/optipress/internal/pluginapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// msgOverhead leaves room for protobuf framing on top of the largest inline
// payload.
const msgOverhead = 64 << 10

// Stager issues presigned staging slots. The gRPC API has no upload call, so
// large files are staged through the HTTP API.
type Stager interface {
	PrepareUpload(ctx context.Context, filename, contentType string) (*Upload, error)
}

// GRPCClient talks to the plugin gRPC API using an API key.
type GRPCClient struct {
	conn      *grpc.ClientConn
	client    pluginapi.PluginServiceClient
	apiKey    string
	threshold int
	stager    Stager
}

// NewGRPCClient dials addr. stager may be nil, in which case files at or over
// threshold are rejected locally.
func NewGRPCClient(addr, apiKey string, threshold int, stager Stager, opts ...grpc.DialOption) (*GRPCClient, error) {
	if apiKey == "" {
		return nil, ErrSessionRequired
	}

	maxMsg := threshold + msgOverhead
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxMsg), grpc.MaxCallRecvMsgSize(maxMsg)),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return &GRPCClient{
		conn:      conn,
		client:    pluginapi.NewPluginServiceClient(conn),
		apiKey:    apiKey,
		threshold: threshold,
		stager:    stager,
	}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) withKey(ctx context.Context, kv ...string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, append([]string{common.APIKeyMetadataKey, c.apiKey}, kv...)...)
}

func (c *GRPCClient) Credits(ctx context.Context) (int64, error) {
	resp, err := c.client.Credits(c.withKey(ctx), &emptypb.Empty{})
	if err != nil {
		return 0, err
	}
	return resp.GetValue(), nil
}

func (c *GRPCClient) Optimize(ctx context.Context, name string, data []byte, opts Options) (*Result, error) {
	var kv []string
	if opts.Format != "" {
		kv = append(kv, common.FormatMetadataKey, opts.Format)
	}
	if opts.Quality > 0 {
		kv = append(kv, common.QualityMetadataKey, strconv.Itoa(opts.Quality))
	}

	payload := data
	if c.threshold > 0 && len(data) >= c.threshold {
		if c.stager == nil {
			return nil, fmt.Errorf("%s is %d bytes, over the %d byte inline limit", name, len(data), c.threshold)
		}
		path, err := c.stage(ctx, name, data)
		if err != nil {
			return nil, err
		}
		kv = append(kv, common.StagedPathMetadataKey, path)
		payload = nil
	}

	var header metadata.MD
	resp, err := c.client.Optimize(c.withKey(ctx, kv...), wrapperspb.Bytes(payload), grpc.Header(&header))
	if err != nil {
		return nil, err
	}

	res := &Result{
		Format:     first(header, common.FormatMetadataKey),
		SizeBefore: atoi(first(header, common.SizeBeforeMetadataKey)),
		SizeAfter:  atoi(first(header, common.SizeAfterMetadataKey)),
		URL:        first(header, common.LocationMetadataKey),
	}
	if res.URL == "" {
		res.Data = resp.GetValue()
		return res, nil
	}

	res.Data, err = netx.Download(ctx, res.URL)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	return res, nil
}

func (c *GRPCClient) stage(ctx context.Context, name string, data []byte) (string, error) {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	up, err := c.stager.PrepareUpload(ctx, filepath.Base(name), contentType)
	if err != nil {
		return "", fmt.Errorf("prepare upload: %w", err)
	}
	if err := netx.UploadToPresignedURL(ctx, up.URL, data, contentType); err != nil {
		return "", err
	}
	return up.Path, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
