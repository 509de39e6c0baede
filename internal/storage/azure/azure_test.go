package azure

import (
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/storagetest"
)

// Point SHARDQ_TEST_AZURE_ENDPOINT at Azurite to run the conformance suite.
func TestAzureConformance(t *testing.T) {
	account := os.Getenv("SHARDQ_TEST_AZURE_ACCOUNT")
	key := os.Getenv("SHARDQ_TEST_AZURE_KEY")
	if account == "" || key == "" {
		t.Skip("SHARDQ_TEST_AZURE_ACCOUNT/SHARDQ_TEST_AZURE_KEY not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store, err := New(Config{
			Account:    account,
			AccountKey: key,
			Endpoint:   os.Getenv("SHARDQ_TEST_AZURE_ENDPOINT"),
			Container:  fmt.Sprintf("shardq-%d", time.Now().UnixNano()),
			Prefix:     "ci",
		})
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return store
	})
}

func TestAzureNewValidates(t *testing.T) {
	if _, err := New(Config{Container: "c"}); err == nil {
		t.Fatal("expected account error")
	}
	if _, err := New(Config{Account: "a"}); err == nil {
		t.Fatal("expected container error")
	}
	if _, err := New(Config{Account: "a", Container: "c"}); err == nil {
		t.Fatal("expected credential error")
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=x")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=1&sig=x" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?a=b", "sv=1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?a=b&sv=1" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestAzureErrorClassification(t *testing.T) {
	cases := []struct {
		status       int
		precondition bool
		notFound     bool
		retryable    bool
	}{
		{http.StatusPreconditionFailed, true, false, false},
		{http.StatusConflict, true, false, false},
		{http.StatusNotFound, false, true, false},
		{http.StatusServiceUnavailable, false, false, true},
		{http.StatusForbidden, false, false, false},
	}
	for _, tc := range cases {
		err := &azcore.ResponseError{StatusCode: tc.status}
		if got := isPreconditionFailed(err); got != tc.precondition {
			t.Fatalf("%d: precondition %v", tc.status, got)
		}
		if got := isNotFound(err); got != tc.notFound {
			t.Fatalf("%d: not found %v", tc.status, got)
		}
		if got := isRetryable(err); got != tc.retryable {
			t.Fatalf("%d: retryable %v", tc.status, got)
		}
	}
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("expected container exists")
	}
}
