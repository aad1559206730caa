package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/hashicorp/vault/api"
)

const (
	stsRequestBody  = "Action=GetCallerIdentity&Version=2011-06-15"
	stsGlobalRegion = "us-east-1"
	serverIDHeader  = "X-Vault-AWS-IAM-Server-ID"
)

// AWSIdentity logs in with a SigV4-signed STS GetCallerIdentity request.
type AWSIdentity struct {
	Role           string
	Region         string // empty uses the global STS endpoint
	MountPath      string // defaults to "aws"
	ServerIDHeader string

	// Credentials overrides the SDK default credential chain.
	Credentials aws.CredentialsProvider
}

func (AWSIdentity) Name() string { return "aws" }

func (s AWSIdentity) login(ctx context.Context, a *Authenticator, client *api.Client) (*grant, error) {
	body, err := s.loginData(ctx, a)
	if err != nil {
		return nil, err
	}
	return loginWith(ctx, client, s.Name(), mountOr(s.MountPath, "aws"), body)
}

func (s AWSIdentity) loginData(ctx context.Context, a *Authenticator) (map[string]interface{}, error) {
	region := s.Region
	endpoint := "https://sts.amazonaws.com/"
	if region == "" {
		region = stsGlobalRegion
	} else {
		endpoint = fmt.Sprintf("https://sts.%s.amazonaws.com/", region)
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))
	if s.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(s.Credentials))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &AuthError{Reason: CredentialSourceMissing, Scheme: s.Name(), Err: err}
	}
	if cfg.Credentials == nil {
		return nil, &AuthError{Reason: CredentialSourceMissing, Scheme: s.Name(), Err: fmt.Errorf("no AWS credential provider configured")}
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, &AuthError{Reason: CredentialSourceMissing, Scheme: s.Name(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(stsRequestBody))
	if err != nil {
		return nil, fmt.Errorf("building STS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	if s.ServerIDHeader != "" {
		req.Header.Set(serverIDHeader, s.ServerIDHeader)
	}

	sum := sha256.Sum256([]byte(stsRequestBody))
	if err := v4.NewSigner().SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), "sts", region, a.now()); err != nil {
		return nil, fmt.Errorf("signing STS request: %w", err)
	}

	headers, err := json.Marshal(req.Header)
	if err != nil {
		return nil, fmt.Errorf("encoding STS headers: %w", err)
	}

	return map[string]interface{}{
		"role":                    s.Role,
		"iam_http_request_method": req.Method,
		"iam_request_url":         base64.StdEncoding.EncodeToString([]byte(endpoint)),
		"iam_request_body":        base64.StdEncoding.EncodeToString([]byte(stsRequestBody)),
		"iam_request_headers":     base64.StdEncoding.EncodeToString(headers),
	}, nil
}

func (AWSIdentity) destroy() {}
