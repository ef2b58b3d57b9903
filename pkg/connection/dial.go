package connection

import (
	"context"
	"crypto/tls"
	"fmt"

	vkit "cloud.google.com/go/spanner/apiv1"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DialConfig describes how to reach the Spanner endpoint.
type DialConfig struct {
	// Endpoint is host:port, e.g. "localhost:9010" for the emulator.
	Endpoint string `yaml:"endpoint"`
	// Insecure disables transport security, as the emulator expects.
	Insecure bool `yaml:"insecure"`
	// CAFile, CertFile and KeyFile select a private CA and an optional
	// client key pair instead of the system roots.
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// TLS overrides everything above when set.
	TLS *tls.Config `yaml:"-"`
}

// Dial opens a gRPC channel to the endpoint.
func Dial(config DialConfig, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("dial: endpoint is required")
	}
	var creds credentials.TransportCredentials
	switch {
	case config.Insecure:
		creds = insecure.NewCredentials()
	case config.TLS != nil:
		creds = credentials.NewTLS(config.TLS)
	case config.CAFile != "":
		tlsConfig, err := LoadClientTLSConfig(config.CAFile, config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", config.Endpoint, err)
		}
		creds = credentials.NewTLS(tlsConfig)
	default:
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, extra...)
	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.Endpoint, err)
	}
	return conn, nil
}

// NewRPC wraps conn in the generated Spanner stub. The stub does not add
// credentials of its own; conn carries whatever security it was dialed with.
func NewRPC(ctx context.Context, conn *grpc.ClientConn) (*vkit.Client, error) {
	client, err := vkit.NewClient(ctx, option.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create spanner client: %w", err)
	}
	return client, nil
}

var _ SessionRPC = (*vkit.Client)(nil)
