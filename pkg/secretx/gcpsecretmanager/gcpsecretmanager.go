// Package gcpsecretmanager adapts Google Cloud Secret Manager to the narrow
// fetch interface pkg/secretx expects.
package gcpsecretmanager

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// Backend fetches secret payloads from GCP Secret Manager, accessing the
// "latest" version of a named secret within a project.
type Backend struct {
	client    *secretmanager.Client
	projectID string
}

// New wraps an already-constructed Secret Manager client.
func New(client *secretmanager.Client, projectID string) *Backend {
	return &Backend{client: client, projectID: projectID}
}

// FetchSecret returns the raw payload bytes of the latest version of name.
func (b *Backend) FetchSecret(ctx context.Context, name string) ([]byte, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", b.projectID, name),
	}

	resp, err := b.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("access secret version %q: %w", name, err)
	}

	return resp.Payload.Data, nil
}
