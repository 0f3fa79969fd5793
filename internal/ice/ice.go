// Package ice serves the STUN/TURN server list handed to clients before
// they open a peer connection.
package ice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("ice")

const maxResponseBytes = 1 << 20

// DefaultServers is used when no Metered key is configured, the fetch
// fails, and no override file exists.
var DefaultServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
	{URLs: []string{"stun:stun3.l.google.com:19302"}},
	{URLs: []string{"stun:stun4.l.google.com:19302"}},
	{
		URLs: []string{
			"turn:openrelay.metered.ca:80",
			"turn:openrelay.metered.ca:443",
			"turn:openrelay.metered.ca:443?transport=tcp",
		},
		Username:   "openrelayproject",
		Credential: "openrelayproject",
	},
	{
		URLs:       []string{"turns:openrelay.metered.ca:443"},
		Username:   "openrelayproject",
		Credential: "openrelayproject",
	},
}

// Descriptor is the loose wire form of a server entry: urls may be a single
// string or an array.
type Descriptor struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings")
	}
	*u = many
	return nil
}

// Validate converts descriptors, dropping URLs that do not parse as
// stun/stuns/turn/turns URIs and entries left with none.
func Validate(in []Descriptor) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, d := range in {
		var urls []string
		for _, raw := range d.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				log.Warnf("dropping ice url %q: %v", raw, err)
				continue
			}
			if (uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS) && d.Username == "" {
				log.Warnf("dropping turn url %q: no username", raw)
				continue
			}
			urls = append(urls, raw)
		}
		if len(urls) == 0 {
			continue
		}
		s := webrtc.ICEServer{URLs: urls, Username: d.Username}
		if d.Credential != "" {
			s.Credential = d.Credential
		}
		out = append(out, s)
	}
	return out
}

type Options struct {
	APIKey       string
	URL          string
	Timeout      time.Duration
	OverrideFile string
	Client       *http.Client
}

// Provider resolves the ICE server list.
type Provider struct {
	apiKey   string
	endpoint string
	client   *http.Client
	override string

	mu       sync.RWMutex
	fallback []webrtc.ICEServer

	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once
}

func New(opt Options) *Provider {
	if opt.Timeout <= 0 {
		opt.Timeout = util.DefaultFetchTimeout
	}
	client := opt.Client
	if client == nil {
		client = &http.Client{Timeout: opt.Timeout}
	}
	p := &Provider{
		apiKey:   opt.APIKey,
		endpoint: opt.URL,
		client:   client,
		override: opt.OverrideFile,
		fallback: DefaultServers,
		closed:   make(chan struct{}),
	}
	p.reload()
	return p
}

// Servers returns Metered's credentials when a key is configured and the
// fetch succeeds, and the fallback list otherwise.
func (p *Provider) Servers(ctx context.Context) []webrtc.ICEServer {
	if p.apiKey != "" && p.endpoint != "" {
		servers, err := p.fetch(ctx)
		if err == nil && len(servers) > 0 {
			log.Debugf("got %d servers from metered", len(servers))
			return servers
		}
		if err != nil {
			log.Warnf("metered fetch failed, using fallback: %v", err)
		} else {
			log.Warnf("metered returned no usable servers, using fallback")
		}
	}
	return p.Fallback()
}

// Fallback returns the override list if one is loaded, else DefaultServers.
func (p *Provider) Fallback() []webrtc.ICEServer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]webrtc.ICEServer, len(p.fallback))
	copy(out, p.fallback)
	return out
}

func (p *Provider) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("metered url: %w", err)
	}
	q := u.Query()
	q.Set("apiKey", p.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metered returned %s", resp.Status)
	}
	var descs []Descriptor
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&descs); err != nil {
		return nil, fmt.Errorf("decode metered response: %w", err)
	}
	return Validate(descs), nil
}

// reload reads the override file. A missing file restores DefaultServers;
// an unreadable or empty one keeps the current list.
func (p *Provider) reload() {
	if p.override == "" {
		return
	}
	var descs []Descriptor
	err := util.ReadJSONFile(p.override, &descs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		p.setFallback(DefaultServers)
		return
	case err != nil:
		log.Warnf("ice override %s: %v", p.override, err)
		return
	}
	servers := Validate(descs)
	if len(servers) == 0 {
		log.Warnf("ice override %s has no valid servers, ignoring", p.override)
		return
	}
	p.setFallback(servers)
	log.Infof("loaded %d ice servers from %s", len(servers), p.override)
}

func (p *Provider) setFallback(s []webrtc.ICEServer) {
	p.mu.Lock()
	p.fallback = s
	p.mu.Unlock()
}

// Watch reloads the override file whenever it changes. The parent
// directory is watched so the file may be created later.
func (p *Provider) Watch() error {
	if p.override == "" {
		return nil
	}
	dir := filepath.Dir(p.override)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create override dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	p.watcher = w
	go p.watchLoop()
	return nil
}

func (p *Provider) watchLoop() {
	name := filepath.Clean(p.override)
	for {
		select {
		case <-p.closed:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				p.reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

func (p *Provider) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}
