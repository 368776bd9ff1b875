package threatintel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/agents/service"
	"github.com/stake-plus/agentexec/src/webclient"
)

const (
	Module = "agents.security.threat_agent"
	Class  = "ThreatIntelAgent"
)

func init() {
	agentcore.RegisterModule(Module, Class, func() (agentcore.Agent, error) {
		return NewAgent(Config{}), nil
	})
}

// Config is persisted as config/<name>_config.json.
type Config struct {
	Feeds           []string `json:"feeds"`
	IntervalSeconds float64  `json:"interval_seconds"`
	Attempts        int      `json:"attempts"`
	RetryDelayMS    int      `json:"retry_delay_ms"`
	MaxIndicators   int      `json:"max_indicators"`
	MaxEmitPerPoll  int      `json:"max_emit_per_poll"`
}

func (c Config) withDefaults() Config {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 300
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelayMS <= 0 {
		c.RetryDelayMS = 2000
	}
	if c.MaxIndicators <= 0 {
		c.MaxIndicators = 50000
	}
	if c.MaxEmitPerPoll <= 0 {
		c.MaxEmitPerPoll = 100
	}
	return c
}

// FeedStatus is the last poll outcome of one feed.
type FeedStatus struct {
	URL        string    `json:"url"`
	LastPoll   time.Time `json:"last_poll"`
	LastStatus int       `json:"last_status"`
	LastError  string    `json:"last_error,omitempty"`
	Indicators int       `json:"indicators"`
	New        int       `json:"new"`
}

// Agent polls threat-intelligence feeds and announces indicators it has not
// seen before.
type Agent struct {
	cfg  Config
	deps agentcore.RuntimeDeps
	loop *service.Loop

	mu    sync.Mutex
	seen  map[string]string
	order []string
	feeds map[string]*FeedStatus
}

// NewAgent builds a stopped agent.
func NewAgent(cfg Config) *Agent {
	a := &Agent{
		cfg:   cfg.withDefaults(),
		seen:  map[string]string{},
		feeds: map[string]*FeedStatus{},
	}
	a.loop = service.NewLoop("threat_intel", a.interval(), a.poll, nil)
	return a
}

func (a *Agent) interval() time.Duration {
	return time.Duration(a.cfg.IntervalSeconds * float64(time.Second))
}

// BindRuntime implements agentcore.RuntimeBinder.
func (a *Agent) BindRuntime(deps agentcore.RuntimeDeps) {
	a.deps = deps
	a.loop.SetLogger(deps.Logger)
}

// Initialize merges the config file with feeds from the threat_feeds setting.
func (a *Agent) Initialize(context.Context) error {
	cfg := a.cfg
	if a.deps.Files != nil {
		if _, err := a.deps.Files.LoadConfig(a.deps.Name, &cfg); err != nil {
			return err
		}
	}
	if raw := a.deps.Setting("threat_feeds"); raw != "" {
		cfg.Feeds = mergeFeeds(cfg.Feeds, strings.Split(raw, ","))
	}
	a.cfg = cfg.withDefaults()
	a.loop.SetInterval(a.interval())
	if len(a.cfg.Feeds) == 0 {
		return errors.New("threatintel: no feeds configured")
	}
	return nil
}

func (a *Agent) Start(ctx context.Context) bool { return a.loop.Start(ctx) }

func (a *Agent) Stop(timeout time.Duration) service.StopResult { return a.loop.Stop(timeout) }

func (a *Agent) Heartbeat() bool { return a.loop.Heartbeat() }

// Diagnose implements agentcore.HealthReporter.
func (a *Agent) Diagnose() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	feeds := make([]FeedStatus, 0, len(a.feeds))
	for _, f := range a.feeds {
		feeds = append(feeds, *f)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].URL < feeds[j].URL })
	return map[string]any{
		"indicators": len(a.seen),
		"feeds":      feeds,
		"loop":       a.loop.Stats(),
	}
}

// Run checks args["indicator"] against what has been seen, or polls every
// feed once when args["action"] is "poll".
func (a *Agent) Run(ctx context.Context, args map[string]string) agentcore.Result {
	if args["action"] == "poll" {
		if err := a.poll(ctx); err != nil {
			return agentcore.ErrorResult(err)
		}
		return agentcore.Result{"ok": true, "indicators": a.count()}
	}
	indicator := normalize(args["indicator"])
	if indicator == "" {
		return agentcore.Result{"error": "indicator is required"}
	}
	a.mu.Lock()
	feed, known := a.seen[indicator]
	a.mu.Unlock()
	out := agentcore.Result{"indicator": indicator, "known": known}
	if known {
		out["feed"] = feed
	}
	return out
}

func (a *Agent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func (a *Agent) poll(ctx context.Context) error {
	var errs []error
	emitted := 0
	for _, feed := range a.cfg.Feeds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		indicators, status, err := a.fetch(ctx, feed)
		fresh := a.record(feed, indicators, status, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", feed, err))
			continue
		}
		for _, ind := range fresh {
			if emitted >= a.cfg.MaxEmitPerPoll {
				break
			}
			if a.deps.Bus != nil {
				a.deps.Bus.Emit("threat.indicator", map[string]any{"indicator": ind, "feed": feed})
			}
			emitted++
		}
	}
	if a.deps.Files != nil {
		a.mu.Lock()
		recent := append([]string(nil), a.order[max(0, len(a.order)-100):]...)
		total := len(a.seen)
		a.mu.Unlock()
		if err := a.deps.Files.WriteSnapshot(a.deps.Name, map[string]any{
			"indicators": total,
			"recent":     recent,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) fetch(ctx context.Context, feed string) ([]string, int, error) {
	client := a.deps.HTTP
	if client == nil {
		client = webclient.NewDefault(30 * time.Second)
	}
	status, body, err := webclient.DoWithRetry(ctx, a.cfg.Attempts,
		time.Duration(a.cfg.RetryDelayMS)*time.Millisecond, webclient.Get(ctx, client, feed, 0))
	if err != nil {
		return nil, status, err
	}
	if status != http.StatusOK {
		return nil, status, fmt.Errorf("unexpected status %d", status)
	}
	indicators, err := ParseIndicators(body)
	if err != nil {
		return nil, status, err
	}
	return indicators, status, nil
}

func (a *Agent) record(feed string, indicators []string, status int, err error) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.feeds[feed]
	if st == nil {
		st = &FeedStatus{URL: feed}
		a.feeds[feed] = st
	}
	st.LastPoll = time.Now().UTC()
	st.LastStatus = status
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
		return nil
	}
	st.Indicators = len(indicators)

	var fresh []string
	for _, ind := range indicators {
		if _, ok := a.seen[ind]; ok {
			continue
		}
		a.seen[ind] = feed
		a.order = append(a.order, ind)
		fresh = append(fresh, ind)
	}
	for len(a.order) > a.cfg.MaxIndicators {
		delete(a.seen, a.order[0])
		a.order = a.order[1:]
	}
	st.New = len(fresh)
	return fresh
}

// ParseIndicators accepts a JSON array of strings, a JSON object with an
// "indicators" array, or plain text with one indicator per line ('#' starts a
// comment). A body that looks like JSON but does not decode is an error.
func ParseIndicators(body []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(body)
	var list []string
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode indicator list: %w", err)
		}
	case len(trimmed) > 0 && trimmed[0] == '{':
		var doc struct {
			Indicators []string `json:"indicators"`
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode indicator document: %w", err)
		}
		list = doc.Indicators
	default:
		sc := bufio.NewScanner(bytes.NewReader(trimmed))
		for sc.Scan() {
			line := sc.Text()
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			list = append(list, line)
		}
	}
	out := make([]string, 0, len(list))
	dedupe := map[string]bool{}
	for _, raw := range list {
		ind := normalize(raw)
		if ind == "" || dedupe[ind] {
			continue
		}
		dedupe[ind] = true
		out = append(out, ind)
	}
	return out, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func mergeFeeds(base, extra []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, f := range append(append([]string{}, base...), extra...) {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
