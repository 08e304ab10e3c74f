package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertextoedge/installer-fetch/internal/chunklist"
	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/downloader"
	"github.com/vertextoedge/installer-fetch/internal/port"
	"github.com/vertextoedge/installer-fetch/internal/transfer"
)

// Protocol constants
const (
	DefaultBaseURL = "http://osrecovery.apple.com"
	UserAgent      = "InternetRecovery/1.0"
	MLBZero        = "00000000000000000"
	DefaultOSType  = "default"

	recoveryImagePath = "/InstallationPayload/RecoveryImage"
	diagnosticsPath   = "/InstallationPayload/Diagnostics"

	maxInfoResponseSize = 1 << 20
)

// State is the position of a Client in the recovery workflow.
type State int

const (
	StateNoSession State = iota
	StateHaveSession
	StateHaveImageInfo
	StateDownloading
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateHaveSession:
		return "have_session"
	case StateHaveImageInfo:
		return "have_image_info"
	case StateDownloading:
		return "downloading"
	}
	return "unknown"
}

// ImageRequest selects a recovery or diagnostics image.
type ImageRequest struct {
	BoardID     string
	MLB         string
	Diagnostics bool
	OSType      string
	// CID overrides the random client id.
	CID string
}

func (r ImageRequest) withDefaults() ImageRequest {
	if r.MLB == "" {
		r.MLB = MLBZero
	}
	if r.OSType == "" {
		r.OSType = DefaultOSType
	}
	return r
}

// Filename returns the local file name of the requested image.
func (r ImageRequest) Filename() string {
	r = r.withDefaults()
	if r.Diagnostics {
		return fmt.Sprintf("diagnostics_%s.dmg", r.BoardID)
	}
	return fmt.Sprintf("recovery_%s_%s.dmg", r.BoardID, r.OSType)
}

// RecoveryImage is the result of a complete recovery download.
type RecoveryImage struct {
	Path          string
	Filename      string
	Size          int64
	Hash          string
	Product       string
	BoardID       string
	MLB           string
	OSType        string
	Diagnostics   bool
	ChunklistPath string
	Verified      bool
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithBaseURL points the client at another recovery server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithIDGenerator replaces the random identifier source.
func WithIDGenerator(gen IDGenerator) ClientOption {
	return func(c *Client) {
		c.newID = gen
	}
}

// WithVerifyOptions passes options to chunklist verification.
func WithVerifyOptions(opts ...chunklist.Option) ClientOption {
	return func(c *Client) {
		c.verifyOpts = opts
	}
}

// WithLedger records recovery image downloads in l.
func WithLedger(l port.TransferLedger) ClientOption {
	return func(c *Client) {
		c.ledger = l
	}
}

// Client talks to the recovery server. One Client holds at most one
// session; it is safe for concurrent use but the workflow is sequential.
type Client struct {
	baseURL    string
	session    *transfer.Session
	downloader *downloader.Downloader
	newID      IDGenerator
	verifyOpts []chunklist.Option
	ledger     port.TransferLedger
	transferID func() string
	logger     *zap.Logger

	mu     sync.RWMutex
	cookie string
	info   *ImageInfo
	state  State
}

// NewClient creates a new recovery client
func NewClient(session *transfer.Session, dl *downloader.Downloader, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		session:    session,
		downloader: dl,
		newID:      RandomHex,
		transferID: uuid.NewString,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current workflow state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Cookie returns the session cookie, or "" before GetSession.
func (c *Client) Cookie() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookie
}

// ImageInfo returns the last image info, or nil.
func (c *Client) ImageInfo() *ImageInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) protocolHeaders() http.Header {
	h := http.Header{}
	h.Set("Connection", "close")
	h.Set("User-Agent", UserAgent)
	return h
}

// GetSession obtains a session cookie from the server.
func (c *Client) GetSession(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.ErrCancelled
	}

	c.logger.Info("requesting recovery session", zap.String("server", c.baseURL))

	resp, err := c.session.Get(ctx, c.baseURL+"/", c.protocolHeaders())
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxInfoResponseSize))
	resp.Body.Close()

	cookie, ok := sessionCookie(resp.Header)
	if !ok {
		return "", domain.ErrNoSession
	}

	c.mu.Lock()
	c.cookie = cookie
	c.info = nil
	c.state = StateHaveSession
	c.mu.Unlock()

	c.logger.Debug("recovery session obtained")
	return cookie, nil
}

// GetImageInfo asks the server for the image matching req, acquiring a
// session first when none is held.
func (c *Client) GetImageInfo(ctx context.Context, req ImageRequest) (*ImageInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrCancelled
	}
	if req.BoardID == "" {
		return nil, fmt.Errorf("%w: board id is required", domain.ErrInvalidTask)
	}
	req = req.withDefaults()

	cookie := c.Cookie()
	if cookie == "" {
		var err error
		if cookie, err = c.GetSession(ctx); err != nil {
			return nil, err
		}
	}

	cid := req.CID
	if cid == "" {
		cid = c.newID(lenSessionID)
	}
	fields := []formField{
		{"cid", cid},
		{"sn", req.MLB},
		{"bid", req.BoardID},
		{"k", c.newID(lenK)},
		{"fg", c.newID(lenFG)},
	}

	path := diagnosticsPath
	if !req.Diagnostics {
		path = recoveryImagePath
		fields = append(fields, formField{"os", req.OSType})
	}

	headers := c.protocolHeaders()
	headers.Set("Cookie", cookie)
	headers.Set("Content-Type", "text/plain")

	c.logger.Info("requesting image info",
		zap.String("board_id", req.BoardID),
		zap.Bool("diagnostics", req.Diagnostics),
		zap.String("os", req.OSType))

	resp, err := c.session.Post(ctx, c.baseURL+path, strings.NewReader(encodeForm(fields)), headers)
	if err != nil {
		return nil, fmt.Errorf("get image info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read image info: %w", err)
	}

	raw, err := ParseInfo(string(body))
	if err != nil {
		return nil, err
	}
	info, err := newImageInfo(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.info = info
	c.state = StateHaveImageInfo
	c.mu.Unlock()

	c.logger.Info("image info obtained",
		zap.String("product", info.Product),
		zap.String("image_url", info.ImageURL))
	return info, nil
}

// DownloadImage fetches an asset with its token into dir. Diagnostics
// images go to dir/Diagnostics, everything else to dir/Recovery; with an
// empty dir the file lands in the working directory. A cancelled download
// leaves no partial file and returns domain.ErrCancelled.
func (c *Client) DownloadImage(ctx context.Context, imageURL, token, filename, dir string, progress downloader.ProgressFunc) (string, error) {
	dest, _, err := c.downloadAsset(ctx, imageURL, token, filename, dir, progress)
	return dest, err
}

// assetPath returns where DownloadImage stores filename under dir.
func assetPath(filename, dir string) string {
	if dir == "" {
		return filename
	}
	subdir := "Recovery"
	if strings.HasPrefix(filename, "diagnostics_") {
		subdir = "Diagnostics"
	}
	return filepath.Join(dir, subdir, filename)
}

func (c *Client) downloadAsset(ctx context.Context, imageURL, token, filename, dir string, progress downloader.ProgressFunc) (string, *downloader.Result, error) {
	dest := assetPath(filename, dir)

	headers := c.protocolHeaders()
	headers.Set("Cookie", "AssetToken="+token)

	prev := c.State()
	c.setState(StateDownloading)
	defer c.setState(prev)

	c.logger.Info("downloading recovery asset",
		zap.String("file", filename),
		zap.String("path", dest))

	result, err := c.downloader.Download(ctx, downloader.Task{
		URL:             imageURL,
		Dest:            dest,
		TotalSize:       -1,
		Headers:         headers,
		Overwrite:       true,
		DiscardOnCancel: true,
		Progress:        progress,
	})
	if err != nil {
		return "", nil, err
	}
	if result.Status == downloader.StatusCancelled {
		return "", result, domain.ErrCancelled
	}

	c.logger.Info("download completed",
		zap.String("file", filename),
		zap.Int64("size", result.Size))
	return dest, result, nil
}

// DownloadRecoveryImage runs the full workflow: image info, image, then
// chunklist download and verification. When verification fails the result
// is returned together with an error wrapping domain.ErrIntegrity or
// domain.ErrMalformedManifest.
func (c *Client) DownloadRecoveryImage(ctx context.Context, req ImageRequest, dir string, progress downloader.ProgressFunc) (*RecoveryImage, error) {
	req = req.withDefaults()

	info, err := c.GetImageInfo(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to download recovery image: %w", err)
	}

	filename := req.Filename()
	record := domain.NewTransfer(c.transferID(), "", info.ImageURL, assetPath(filename, dir), -1)
	c.record(record)
	defer c.record(record)

	path, result, err := c.downloadAsset(ctx, info.ImageURL, info.ImageToken, filename, dir, progress)
	if result != nil {
		record.Attempts = result.Attempts
		record.Restarts = result.Restarts
	}
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			record.MarkCancelled()
		} else {
			record.MarkFailed(err)
		}
		return nil, fmt.Errorf("failed to download recovery image: %w", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		record.MarkFailed(err)
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	record.MarkCompleted(stat.Size())

	image := &RecoveryImage{
		Path:        path,
		Filename:    filename,
		Size:        stat.Size(),
		Hash:        info.ImageHash,
		Product:     info.Product,
		BoardID:     req.BoardID,
		MLB:         req.MLB,
		OSType:      req.OSType,
		Diagnostics: req.Diagnostics,
	}

	manifestName := strings.TrimSuffix(filename, filepath.Ext(filename)) + ".chunklist"
	manifest, err := c.DownloadImage(ctx, info.SignURL, info.SignToken, manifestName, dir, nil)
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			record.MarkCancelled()
			return nil, err
		}
		err = fmt.Errorf("failed to download chunklist: %w", err)
		record.MarkVerified(err)
		return image, err
	}
	image.ChunklistPath = manifest

	err = chunklist.Verify(path, manifest, c.verifyOpts...)
	record.MarkVerified(err)
	if err != nil {
		c.logger.Error("recovery image failed verification",
			zap.String("path", path),
			zap.Error(err))
		return image, fmt.Errorf("verify %s: %w", filename, err)
	}
	image.Verified = true

	c.logger.Info("recovery image verified",
		zap.String("path", path),
		zap.String("product", image.Product))
	return image, nil
}

func (c *Client) record(t *domain.Transfer) {
	if c.ledger == nil {
		return
	}
	t.UpdatedAt = time.Now()
	if err := c.ledger.Record(t); err != nil {
		c.logger.Warn("failed to record transfer",
			zap.String("id", t.ID),
			zap.Error(err))
	}
}
