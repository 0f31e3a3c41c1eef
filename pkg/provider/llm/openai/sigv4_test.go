package openai

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestSigV4Middleware_SignsRequest(t *testing.T) {
	t.Parallel()
	mw := SigV4Middleware(StaticCredentials("AKIDEXAMPLE", "secret", "session"), "eu-west-1", "")

	req, err := http.NewRequest(http.MethodPost, "https://runtime.sagemaker.eu-west-1.amazonaws.com/endpoints/x/invocations", strings.NewReader(`{"a":1}`))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer should-be-replaced")

	var seen *http.Request
	var seenBody string
	_, err = mw(req, func(r *http.Request) (*http.Response, error) {
		seen = r
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}, nil
	})
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}

	auth := seen.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/") {
		t.Errorf("Authorization = %q, want SigV4 signature", auth)
	}
	if !strings.Contains(auth, "/eu-west-1/sagemaker/aws4_request") {
		t.Errorf("Authorization scope = %q, want eu-west-1/sagemaker", auth)
	}
	if seen.Header.Get("X-Amz-Date") == "" {
		t.Error("X-Amz-Date not set")
	}
	if seen.Header.Get("X-Amz-Security-Token") != "session" {
		t.Errorf("X-Amz-Security-Token = %q", seen.Header.Get("X-Amz-Security-Token"))
	}
	if seenBody != `{"a":1}` {
		t.Errorf("body not preserved: %q", seenBody)
	}
}
