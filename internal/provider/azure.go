package provider

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"cba-go/internal/cba"
)

// azureStore is a blobStore on an Azure Storage account. Block blobs map
// directly onto the block protocol: staged blocks, block list commits with
// metadata, and the Archive access tier.
type azureStore struct {
	client *azblob.Client
}

var _ blobStore = (*azureStore)(nil)

// NewAzureProvider creates a provider on an Azure Storage account using a
// shared key. An empty endpoint selects the public blob endpoint of account.
func NewAzureProvider(name, account, endpoint string, creds *cba.Credentials) (cba.Provider, error) {
	if account == "" {
		return nil, fmt.Errorf("%w: azure provider requires an account", cba.ErrValidation)
	}
	if creds == nil || creds.Password == "" {
		return nil, fmt.Errorf("%w: azure provider %q requires an account key credential", cba.ErrAuthentication, name)
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}

	cred, err := azblob.NewSharedKeyCredential(account, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid account key: %v", cba.ErrAuthentication, err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure client: %w", err)
	}
	return newTransport(name, &azureStore{client: client}), nil
}

func (s *azureStore) blockBlob(container, blobName string) *blockblob.Client {
	return s.client.ServiceClient().NewContainerClient(container).NewBlockBlobClient(blobName)
}

// classifyAzure maps storage error codes onto the error categories the transport understands.
func classifyAzure(err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.ContainerNotFound):
		return fmt.Errorf("%w: %v", errContainerNotFound, err)
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return fmt.Errorf("%w: %v", cba.ErrNotFound, err)
	case bloberror.HasCode(err, bloberror.MD5Mismatch, bloberror.InvalidBlockList):
		return fmt.Errorf("%w: %v", cba.ErrIntegrity, err)
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure):
		return fmt.Errorf("%w: %v", cba.ErrAuthentication, err)
	}
	return err
}

func (s *azureStore) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.client.ServiceClient().NewContainerClient(container).Create(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return classifyAzure(err)
	}
	return nil
}

func (s *azureStore) StageBlock(ctx context.Context, container, blobName, id string, data, md5sum []byte) error {
	_, err := s.blockBlob(container, blobName).StageBlock(ctx, id, streaming.NopCloser(bytes.NewReader(data)), &blockblob.StageBlockOptions{
		TransactionalValidation: blob.TransferValidationTypeMD5(md5sum),
	})
	if err != nil {
		return classifyAzure(err)
	}
	return nil
}

func (s *azureStore) CommitBlocks(ctx context.Context, container, blobName string, ids []string, metadata map[string]string) error {
	md := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		v := v
		md[k] = &v
	}
	_, err := s.blockBlob(container, blobName).CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{Metadata: md})
	if err != nil {
		return classifyAzure(err)
	}
	return nil
}

func (s *azureStore) Properties(ctx context.Context, container, blobName string) (*blobProperties, error) {
	resp, err := s.blockBlob(container, blobName).GetProperties(ctx, nil)
	if err != nil {
		return nil, classifyAzure(err)
	}
	props := &blobProperties{Metadata: make(map[string]string, len(resp.Metadata))}
	for k, v := range resp.Metadata {
		if v != nil {
			props.Metadata[k] = *v
		}
	}
	if resp.AccessTier != nil {
		props.Tier = *resp.AccessTier
	}
	props.Archived = props.Tier == string(blob.AccessTierArchive)
	return props, nil
}

func (s *azureStore) SetArchiveTier(ctx context.Context, container, blobName string) error {
	if _, err := s.blockBlob(container, blobName).SetTier(ctx, blob.AccessTierArchive, nil); err != nil {
		return classifyAzure(err)
	}
	return nil
}
