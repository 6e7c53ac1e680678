package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/INLOpen/nexusvfs/core"
)

// HTTPTransport delivers journal entries to peers over plain HTTP. Each peer
// address is expected to serve the replication endpoints exposed by the
// server package.
type HTTPTransport struct {
	client *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// Apply posts the entry to the peer and treats any 2xx response as an
// acknowledgement.
func (t *HTTPTransport) Apply(ctx context.Context, peer PeerDescriptor, entry core.JournalEntry) error {
	body, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry %d: %w", entry.EntryID, err)
	}

	url := fmt.Sprintf("http://%s/v1/replication/entries", peer.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s rejected entry %d: status %d", peer.PeerID, entry.EntryID, resp.StatusCode)
	}
	return nil
}

// Verify asks the peer whether it holds the entry. 200 means yes, 404 no.
func (t *HTTPTransport) Verify(ctx context.Context, peer PeerDescriptor, entryID uint64) (bool, error) {
	url := fmt.Sprintf("http://%s/v1/replication/entries/%d", peer.Address, entryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", core.ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("peer %s verify for entry %d: status %d", peer.PeerID, entryID, resp.StatusCode)
	}
}
