// Package transport submits captured MetaData records to the remote
// storage server over its HTTP+JSON interface. The wire protocol is
// owned by the server; this client only encodes records, compresses
// request bodies and classifies failures into transient (retried with
// backoff) and permanent (dropped with a warning).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/sauvegarde/sauvegarde"
	"github.com/sauvegarde/sauvegarde/internal/trace"
)

// ErrPermanent marks a submission the server will never accept; the
// record is dropped.
var ErrPermanent = errors.New("permanent transport error")

// ErrTransient marks a submission that kept failing after the bounded
// retries.
var ErrTransient = errors.New("transient transport error")

// submitAttempts bounds the retries of one record: the first try plus
// two backed-off retries.
const submitAttempts = 3

// Counters tallies submissions for the final summary.
type Counters struct {
	Acked   atomic.Uint64
	Retried atomic.Uint64
	Dropped atomic.Uint64
}

// Client talks to one server.
type Client struct {
	base string
	hc   *http.Client
	log  *zap.Logger

	Counters Counters
}

// Dial builds the client and performs the version handshake so a
// wrong server address surfaces at startup, not at the first submit.
func Dial(ctx context.Context, host string, port int, log *zap.Logger) (*Client, error) {
	c := &Client{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		hc:   &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
	version, err := c.ServerVersion(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("connected to server",
		zap.String("server", c.base), zap.String("version", version))
	return c, nil
}

// ServerVersion fetches /Version.json.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/Version.json", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", xerrors.Errorf("version handshake: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Errorf("version handshake: server returned %s", resp.Status)
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", xerrors.Errorf("version handshake: decode: %w", err)
	}
	return v.Version, nil
}

// Submit posts one record. Transient failures are retried with
// exponential backoff up to submitAttempts; what remains is reported
// as ErrTransient. A 4xx answer is ErrPermanent immediately.
func (c *Client) Submit(ctx context.Context, meta *sauvegarde.MetaData) error {
	ev := trace.Event("submit "+meta.Path, trace.TidSender)
	defer ev.Done()

	body, err := encodeBody(meta)
	if err != nil {
		// Nothing the server can do about an unencodable record.
		return xerrors.Errorf("encode %s: %v: %w", meta.Path, err, ErrPermanent)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			c.Counters.Retried.Add(1)
		}
		return c.post(ctx, body)
	}
	err = backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, submitAttempts-1), ctx))
	if err != nil {
		c.Counters.Dropped.Add(1)
		if errors.Is(err, ErrPermanent) {
			c.log.Warn("record rejected by server, dropped",
				zap.String("path", meta.Path), zap.Error(err))
			return err
		}
		c.log.Warn("record undeliverable, dropped",
			zap.String("path", meta.Path), zap.Error(err))
		return xerrors.Errorf("submit %s: %v: %w", meta.Path, err, ErrTransient)
	}
	c.Counters.Acked.Add(1)
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/Meta.json", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err // network error: transient
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("server returned %s: %w", resp.Status, ErrPermanent))
	default:
		return fmt.Errorf("server returned %s", resp.Status)
	}
}

func encodeBody(meta *sauvegarde.MetaData) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(meta); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IngestKnownHashes pulls the server's known-hash list so blocks the
// server already stores are not re-uploaded by this client either.
// Best effort: callers treat a failure as "start with the local view".
func (c *Client) IngestKnownHashes(ctx context.Context, fn func(sauvegarde.Hash)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/Hash_Array.json", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return xerrors.Errorf("fetch known hashes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil // older servers do not expose the list
	}
	if resp.StatusCode != http.StatusOK {
		return xerrors.Errorf("fetch known hashes: server returned %s", resp.Status)
	}
	var payload struct {
		HashList []sauvegarde.Hash `json:"hash_list"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return xerrors.Errorf("fetch known hashes: decode: %w", err)
	}
	for _, h := range payload.HashList {
		fn(h)
	}
	return nil
}
