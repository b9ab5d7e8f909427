package provider

import (
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"cba-go/internal/cba"
)

func TestClassifyAzure(t *testing.T) {
	tests := []struct {
		code bloberror.Code
		want error
	}{
		{code: bloberror.ContainerNotFound, want: errContainerNotFound},
		{code: bloberror.BlobNotFound, want: cba.ErrNotFound},
		{code: bloberror.MD5Mismatch, want: cba.ErrIntegrity},
		{code: bloberror.InvalidBlockList, want: cba.ErrIntegrity},
		{code: bloberror.AuthenticationFailed, want: cba.ErrAuthentication},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := classifyAzure(&azcore.ResponseError{ErrorCode: string(tt.code)})
			if !errors.Is(err, tt.want) {
				t.Errorf("classifyAzure(%s) = %v, want %v", tt.code, err, tt.want)
			}
		})
	}

	plain := errors.New("dial tcp: timeout")
	if err := classifyAzure(plain); err != plain {
		t.Errorf("classifyAzure() changed a non-storage error: %v", err)
	}
}
