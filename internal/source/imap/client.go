// Package imap adapts an IMAP mailbox to the engine's RecordSource
// contract: message UIDs are the record ids, UID SEARCH backs the paginated
// listing, and UID FETCH backs the batched detail call.
package imap

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/source"
)

// Opener dials and authenticates an IMAP session for a sync run. The
// credential provider is consulted exactly once per Open call.
type Opener struct {
	cfg   model.SourceConfig
	creds source.CredentialProvider
	log   *zap.Logger
}

// NewOpener creates an Opener for the configured account.
func NewOpener(cfg model.SourceConfig, creds source.CredentialProvider, log *zap.Logger) *Opener {
	return &Opener{cfg: cfg, creds: creds, log: log}
}

// Open connects, authenticates, and selects the configured mailbox,
// returning a connected record source. The caller owns the returned
// source's lifetime and should close it when the run ends.
func (o *Opener) Open(ctx context.Context) (source.RecordSource, error) {
	password, err := o.creds.Credential(o.cfg.CredentialKey)
	if err != nil {
		return nil, &source.AuthError{Message: fmt.Sprintf("loading credential %q: %v", o.cfg.CredentialKey, err)}
	}

	addr := o.cfg.Host + ":" + o.cfg.Port

	var client *imapclient.Client
	if o.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &source.TransientError{Op: "connect", Err: fmt.Errorf("dialing %s: %w", addr, err)}
	}

	if err := client.Login(o.cfg.Username, password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &source.AuthError{
			Message: fmt.Sprintf("authentication failed for %s: %v", o.cfg.Username, err),
		}
	}

	if _, err := client.Select(o.cfg.Mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &source.TransientError{Op: "select", Err: fmt.Errorf("selecting %s: %w", o.cfg.Mailbox, err)}
	}

	o.log.Info("connected to mail source",
		zap.String("host", o.cfg.Host),
		zap.String("mailbox", o.cfg.Mailbox))

	return &Source{client: client, log: o.log}, nil
}

// Source is a connected IMAP-backed record source. IMAP has no native
// listing cursor, so the full UID search result is cached per query and
// page tokens are offsets into it.
type Source struct {
	client *imapclient.Client
	log    *zap.Logger

	mu          sync.Mutex
	cachedQuery string
	cachedUIDs  []imap.UID
}

// Close logs out of the session.
func (s *Source) Close() error {
	return s.client.Logout().Wait()
}

// ListPage returns one page of message UIDs matching query. An empty
// pageToken requests the first page and (re)runs the search.
func (s *Source) ListPage(ctx context.Context, query, pageToken string, pageSize int) (*source.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uids, err := s.searchUIDs(query, pageToken == "")
	if err != nil {
		return nil, err
	}

	offset := 0
	if pageToken != "" {
		offset, err = strconv.Atoi(pageToken)
		if err != nil || offset < 0 {
			return nil, &source.TransientError{Op: "list", Err: fmt.Errorf("malformed page token %q", pageToken)}
		}
	}
	if offset > len(uids) {
		offset = len(uids)
	}

	end := offset + pageSize
	if end > len(uids) {
		end = len(uids)
	}

	page := &source.Page{TotalEstimate: len(uids)}
	for _, uid := range uids[offset:end] {
		page.IDs = append(page.IDs, strconv.FormatUint(uint64(uid), 10))
	}
	if end < len(uids) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// searchUIDs runs (or reuses) the UID search for a query. The result is
// sorted ascending so pagination is stable across calls.
func (s *Source) searchUIDs(query string, refresh bool) ([]imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !refresh && s.cachedQuery == query && s.cachedUIDs != nil {
		return s.cachedUIDs, nil
	}

	criteria := parseQuery(query)
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &source.TransientError{Op: "list", Err: fmt.Errorf("searching messages: %w", err)}
	}

	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	s.cachedQuery = query
	s.cachedUIDs = uids
	return uids, nil
}

// FetchBatch retrieves up to a batch of messages in one UID FETCH. Each id
// resolves independently: a UID absent from the response yields a per-id
// not-found error without affecting its siblings.
func (s *Source) FetchBatch(ctx context.Context, ids []string, format source.Format) (*source.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := source.NewBatchResult(len(ids))

	uids := make([]imap.UID, 0, len(ids))
	uidToID := make(map[imap.UID]string, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			result.Failed[id] = &source.PermanentError{RecordID: id, Reason: "malformed_id", Err: err}
			continue
		}
		uid := imap.UID(n)
		uids = append(uids, uid)
		uidToID[uid] = id
	}
	if len(uids) == 0 {
		return result, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	if format == source.FormatMetadata {
		bodySection.Specifier = imap.PartSpecifierHeader
	}

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(imap.UIDSetNum(uids...), fetchOpts)

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		id, ok := uidToID[buf.UID]
		if !ok {
			continue
		}

		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			result.Failed[id] = &source.PermanentError{
				RecordID: id,
				Reason:   "empty_body",
				Err:      fmt.Errorf("no body section returned for UID %d", buf.UID),
			}
			continue
		}

		if buf.Envelope != nil {
			s.log.Debug("fetched message",
				zap.String("record_id", id),
				zap.String("subject", buf.Envelope.Subject),
				zap.Time("date", buf.Envelope.Date))
		}

		result.Records[id] = source.Record{ID: id, Payload: raw}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, &source.TransientError{Op: "fetch", Err: fmt.Errorf("fetching %d messages: %w", len(uids), err)}
	}

	// UIDs the server did not answer for no longer exist in the mailbox.
	for uid, id := range uidToID {
		if _, ok := result.Records[id]; ok {
			continue
		}
		if _, ok := result.Failed[id]; ok {
			continue
		}
		result.Failed[id] = &source.PermanentError{
			RecordID: id,
			Reason:   "not_found",
			Err:      fmt.Errorf("UID %d not present in mailbox", uid),
		}
	}

	return result, nil
}

// parseQuery translates a small search expression into IMAP SEARCH
// criteria. Supported terms: since:YYYY-MM-DD, before:YYYY-MM-DD, from:<x>,
// subject:<x>, unseen; anything else matches message text. An empty query
// matches the whole mailbox.
func parseQuery(query string) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}

	for _, term := range strings.Fields(query) {
		switch {
		case strings.HasPrefix(term, "since:"):
			if t, err := time.Parse("2006-01-02", strings.TrimPrefix(term, "since:")); err == nil {
				criteria.Since = t
			}
		case strings.HasPrefix(term, "before:"):
			if t, err := time.Parse("2006-01-02", strings.TrimPrefix(term, "before:")); err == nil {
				criteria.Before = t
			}
		case strings.HasPrefix(term, "from:"):
			criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
				Key:   "From",
				Value: strings.TrimPrefix(term, "from:"),
			})
		case strings.HasPrefix(term, "subject:"):
			criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
				Key:   "Subject",
				Value: strings.TrimPrefix(term, "subject:"),
			})
		case term == "unseen":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
		default:
			criteria.Text = append(criteria.Text, term)
		}
	}

	return criteria
}
