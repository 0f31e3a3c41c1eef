package openai

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/openai/openai-go/option"
)

// DefaultAWSService is the signing service name of SageMaker inference
// endpoints.
const DefaultAWSService = "sagemaker"

// StaticCredentials returns an AWS credentials provider for a fixed key pair.
// sessionToken may be empty.
func StaticCredentials(accessKey, secretKey, sessionToken string) aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)
}

// SigV4Middleware signs every request with AWS Signature Version 4. Any bearer
// Authorization header set by the client is replaced by the signature.
func SigV4Middleware(creds aws.CredentialsProvider, region, service string) option.Middleware {
	if service == "" {
		service = DefaultAWSService
	}
	signer := v4.NewSigner()

	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		var body []byte
		if req.Body != nil {
			var err error
			body, err = io.ReadAll(req.Body)
			_ = req.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("sigv4: read body: %w", err)
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}
		sum := sha256.Sum256(body)

		c, err := creds.Retrieve(req.Context())
		if err != nil {
			return nil, fmt.Errorf("sigv4: retrieve credentials: %w", err)
		}

		req.Header.Del("Authorization")
		if err := signer.SignHTTP(req.Context(), c, req, hex.EncodeToString(sum[:]), service, region, time.Now()); err != nil {
			return nil, fmt.Errorf("sigv4: sign request: %w", err)
		}
		return next(req)
	}
}
