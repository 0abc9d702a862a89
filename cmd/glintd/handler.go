package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"glintd/internal/channel"
	"glintd/internal/config"
	"glintd/internal/engine"
	"glintd/internal/ipc"
	"glintd/internal/journal"
	"glintd/internal/render"
	"glintd/internal/sampler"
)

// controlHandler serves the control socket. Ping and event
// subscriptions are absorbed by the server itself; everything else
// lands here.
type controlHandler struct {
	d *daemon
}

func (h *controlHandler) HandleMessage(ctx context.Context, _ *ipc.Peer, msg *ipc.Message) (*ipc.Message, error) {
	id := msg.Header.RequestID

	switch msg.Header.Type {
	case ipc.MsgStatus:
		return h.handleStatus(id, msg.Payload)
	case ipc.MsgRefresh:
		return h.handleRefresh(id)
	case ipc.MsgPause:
		h.d.eng.Pause()
		return ipc.NewResponse(ipc.MsgPauseResp, id, &ipc.Ack{Success: true})
	case ipc.MsgResume:
		h.d.eng.Resume()
		return ipc.NewResponse(ipc.MsgResumeResp, id, &ipc.Ack{Success: true})
	case ipc.MsgShutdown:
		return h.handleShutdown(id)
	case ipc.MsgActivate:
		return h.handleActivate(id, msg.Payload)
	case ipc.MsgGetConfig:
		return h.handleGetConfig(id, msg.Payload)
	case ipc.MsgSetConfig:
		return h.handleSetConfig(id, msg.Payload)
	case ipc.MsgMetrics:
		return h.handleMetrics(id, msg.Payload)
	case ipc.MsgJournal:
		return h.handleJournal(id, msg.Payload)
	case ipc.MsgHealth:
		return h.handleHealth(ctx, id)
	case ipc.MsgPreview:
		return h.handlePreview(id, msg.Payload)
	default:
		return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest,
			fmt.Sprintf("unsupported message type 0x%04x", uint16(msg.Header.Type))), nil
	}
}

func (h *controlHandler) handleStatus(id uint32, payload []byte) (*ipc.Message, error) {
	var req ipc.StatusRequest
	if len(payload) > 0 {
		if err := ipc.Decode(payload, &req); err != nil {
			return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "invalid status request"), nil
		}
	}

	st := h.d.eng.Status()
	shim := h.d.ch.Status()

	resp := &ipc.StatusResponse{
		Version:        version,
		StartedAt:      h.d.startedAt,
		Uptime:         time.Since(h.d.startedAt),
		State:          st.State.String(),
		Paused:         st.Paused,
		Tone:           st.Tone.String(),
		EffectiveColor: st.EffectiveColor,
		CaptureDenied:  st.CaptureDenied,
		Displays:       st.Displays,
		Shim: ipc.ShimStatus{
			Connected: shim.State == channel.StateConnected,
			Version:   shim.Version,
			Mismatch:  shim.Mismatch,
		},
	}
	if req.IncludeConfig {
		resp.Config = flattenConfig(h.d.config())
	}
	return ipc.NewResponse(ipc.MsgStatusResp, id, resp)
}

func (h *controlHandler) handleRefresh(id uint32) (*ipc.Message, error) {
	if err := h.d.eng.Refresh(); err != nil {
		code := ipc.ErrInternalError
		if err == engine.ErrNotRunning {
			code = ipc.ErrNotRunning
		}
		return ipc.NewErrorMessage(id, code, err.Error()), nil
	}
	st := h.d.eng.Status()
	return ipc.NewResponse(ipc.MsgRefreshResp, id, &ipc.RefreshResponse{
		Success:        true,
		Tone:           st.Tone.String(),
		EffectiveColor: st.EffectiveColor,
	})
}

// handleShutdown acks first, then stops: the requester gets its reply
// before the socket goes away.
func (h *controlHandler) handleShutdown(id uint32) (*ipc.Message, error) {
	go func() {
		time.Sleep(100 * time.Millisecond)
		h.d.stop()
	}()
	return ipc.NewResponse(ipc.MsgShutdownResp, id, &ipc.Ack{Success: true})
}

// handleActivate serves the losing side of the single-instance race:
// the running daemon re-asserts its cursor so the user sees a response
// to the duplicate launch.
func (h *controlHandler) handleActivate(id uint32, payload []byte) (*ipc.Message, error) {
	var req ipc.ActivateRequest
	if len(payload) > 0 {
		_ = ipc.Decode(payload, &req)
	}
	h.d.log.Info("activation requested by another launch", "pid", req.PID)
	if err := h.d.eng.Refresh(); err != nil && err != engine.ErrNotRunning {
		h.d.log.Warn("refresh on activation failed", "error", err)
	}
	return ipc.NewResponse(ipc.MsgActivateResp, id, &ipc.Ack{Success: true})
}

func (h *controlHandler) handleGetConfig(id uint32, payload []byte) (*ipc.Message, error) {
	var req ipc.ConfigRequest
	if len(payload) > 0 {
		if err := ipc.Decode(payload, &req); err != nil {
			return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "invalid config request"), nil
		}
	}

	all := flattenConfig(h.d.config())
	if len(req.Keys) == 0 {
		return ipc.NewResponse(ipc.MsgGetConfigResp, id, &ipc.ConfigResponse{Config: all})
	}

	picked := make(map[string]any, len(req.Keys))
	for _, k := range req.Keys {
		if v, ok := all[k]; ok {
			picked[k] = v
		}
	}
	return ipc.NewResponse(ipc.MsgGetConfigResp, id, &ipc.ConfigResponse{Config: picked})
}

// handleSetConfig applies setting changes live. The daemon never
// writes the config file; a change lives until the next reload or
// restart unless the caller also edits the file.
func (h *controlHandler) handleSetConfig(id uint32, payload []byte) (*ipc.Message, error) {
	var req ipc.SetConfigRequest
	if err := ipc.Decode(payload, &req); err != nil {
		return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "invalid set-config request"), nil
	}
	if len(req.Config) == 0 {
		return ipc.NewResponse(ipc.MsgSetConfigResp, id, &ipc.SetConfigResponse{Success: true})
	}

	h.d.cfgMu.Lock()
	cfg := h.d.cfg.Clone()
	h.d.cfgMu.Unlock()

	wasEnabled := cfg.Appearance.Enabled

	var applied []string
	for key, val := range req.Config {
		if err := applyConfigKey(cfg, key, val); err != nil {
			return ipc.NewResponse(ipc.MsgSetConfigResp, id, &ipc.SetConfigResponse{
				Success: false,
				Applied: applied,
				Error:   fmt.Sprintf("%s: %v", key, err),
			})
		}
		applied = append(applied, key)
	}
	sort.Strings(applied)

	h.d.cfgMu.Lock()
	h.d.cfg = cfg
	h.d.cfgMu.Unlock()

	h.d.applyEnabled(wasEnabled, cfg.Appearance.Enabled)
	h.d.eng.Configure(cfg.Appearance, cfg.Tuning)

	return ipc.NewResponse(ipc.MsgSetConfigResp, id, &ipc.SetConfigResponse{
		Success: true,
		Applied: applied,
	})
}

func (h *controlHandler) handleMetrics(id uint32, payload []byte) (*ipc.Message, error) {
	var req ipc.MetricsRequest
	if len(payload) > 0 {
		if err := ipc.Decode(payload, &req); err != nil {
			return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "invalid metrics request"), nil
		}
	}

	h.d.metrics.UpdateUptime()
	samples := h.d.reg.Gather()
	out := make([]ipc.MetricSample, 0, len(samples))
	for _, s := range samples {
		if req.Prefix != "" && !strings.HasPrefix(s.Name, req.Prefix) {
			continue
		}
		out = append(out, ipc.MetricSample{
			Name:  s.Name,
			Type:  s.Type.String(),
			Value: s.Value,
			Count: s.Count,
			Sum:   s.Sum,
		})
	}
	return ipc.NewResponse(ipc.MsgMetricsResp, id, &ipc.MetricsResponse{
		Collected: time.Now(),
		Metrics:   out,
	})
}

func (h *controlHandler) handleJournal(id uint32, payload []byte) (*ipc.Message, error) {
	if h.d.jrnl == nil {
		return ipc.NewErrorMessage(id, ipc.ErrUnsupported, "journal disabled"), nil
	}

	var req ipc.JournalRequest
	if len(payload) > 0 {
		if err := ipc.Decode(payload, &req); err != nil {
			return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "invalid journal request"), nil
		}
	}

	entries, err := h.d.jrnl.Entries(journal.Query{
		Kind:  journal.Kind(req.Kind),
		Since: req.Since,
		Limit: req.Limit,
	})
	if err != nil {
		return ipc.NewErrorMessage(id, ipc.ErrInternalError, err.Error()), nil
	}

	out := make([]ipc.JournalEntry, len(entries))
	for i, e := range entries {
		out[i] = ipc.JournalEntry{
			ID:     e.ID,
			Time:   e.Time,
			Kind:   string(e.Kind),
			Detail: e.Detail,
		}
	}
	return ipc.NewResponse(ipc.MsgJournalResp, id, &ipc.JournalResponse{Entries: out})
}

func (h *controlHandler) handleHealth(ctx context.Context, id uint32) (*ipc.Message, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results := h.d.checker.Check(cctx)
	out := make([]ipc.HealthCheckResult, len(results))
	for i, r := range results {
		out[i] = ipc.HealthCheckResult{
			Name:      r.Name,
			Status:    string(r.Status),
			Error:     r.Error,
			LatencyMs: r.Latency.Milliseconds(),
		}
	}
	return ipc.NewResponse(ipc.MsgHealthResp, id, &ipc.HealthResponse{
		Status: string(h.d.checker.OverallStatus()),
		Checks: out,
	})
}

// handlePreview returns the current glyph, or a fresh render at the
// requested scale when it differs from what is applied.
func (h *controlHandler) handlePreview(id uint32, payload []byte) (*ipc.Message, error) {
	var req ipc.PreviewRequest
	if len(payload) > 0 {
		if err := ipc.Decode(payload, &req); err != nil {
			return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "invalid preview request"), nil
		}
	}

	cur := h.d.eng.Current()
	if cur != nil && (req.Scale <= 0 || req.Scale == cur.Scale) {
		st := h.d.eng.Status()
		return ipc.NewResponse(ipc.MsgPreviewResp, id, &ipc.PreviewResponse{
			Success:  true,
			PNG:      cur.PNG,
			HotSpotX: cur.HotSpot.X,
			HotSpotY: cur.HotSpot.Y,
			Color:    st.EffectiveColor,
			Scale:    cur.Scale,
		})
	}

	app := h.d.eng.Appearance()
	fill, err := sampler.ParseColor(app.BaseColor)
	if err != nil {
		fill = sampler.White()
	}
	scale := req.Scale
	if scale <= 0 {
		scale = app.Scale
	}
	params := render.Params{
		Color:  fill,
		Glow:   app.Glow,
		Shadow: app.Shadow,
		Scale:  scale,
	}
	if app.Mode == config.ModeOutline {
		params.OutlineColor = fill.Contrasting()
		params.OutlineWidth = app.OutlineWidth
	}
	r := renderPreview(params)
	return ipc.NewResponse(ipc.MsgPreviewResp, id, &ipc.PreviewResponse{
		Success:      true,
		PNG:          r.PNG,
		HotSpotX:     r.HotSpot.X,
		HotSpotY:     r.HotSpot.Y,
		Color:        fill.Hex(),
		OutlineColor: params.OutlineColor.Hex(),
		Scale:        r.Scale,
	})
}

// renderPreview uses a throwaway renderer so previews never evict the
// engine's cached glyphs.
func renderPreview(p render.Params) *render.Rendered {
	return render.New(4, 0).Render(p)
}

// flattenConfig exposes the tunable surface as dotted keys.
func flattenConfig(cfg *config.Config) map[string]any {
	a := cfg.Appearance
	t := cfg.Tuning
	return map[string]any{
		"appearance.enabled":              a.Enabled,
		"appearance.base_color":           a.BaseColor,
		"appearance.mode":                 string(a.Mode),
		"appearance.outline_color":        a.OutlineColor,
		"appearance.outline_width":        a.OutlineWidth,
		"appearance.glow":                 a.Glow,
		"appearance.shadow":               a.Shadow,
		"appearance.scale":                a.Scale,
		"appearance.sampling_rate":        a.SamplingRate,
		"appearance.brightness_threshold": a.BrightnessThreshold,
		"appearance.hysteresis":           a.Hysteresis,
		"appearance.adaptive_scaling":     a.AdaptiveScaling,
		"appearance.multi_point":          a.MultiPoint,
		"tuning.max_tick_rate":            t.MaxTickRate,
		"tuning.idle_after_sec":           t.IdleAfterSec,
		"tuning.history_depth":            t.HistoryDepth,
		"tuning.patch_side":               t.PatchSide,
		"tuning.multi_point_radius":       t.MultiPointRadius,
		"tuning.flicker_limit":            t.FlickerLimit,
		"tuning.flicker_window_ms":        t.FlickerWindowMs,
		"tuning.dead_zone_slow":           t.DeadZoneSlow,
		"tuning.dead_zone_fast":           t.DeadZoneFast,
		"tuning.fast_speed":               t.FastSpeed,
		"daemon.auto_reload":              cfg.Daemon.AutoReload,
		"journal.enabled":                 cfg.Journal.Enabled,
	}
}

// applyConfigKey writes one dotted key into cfg. JSON numbers arrive
// as float64; integer fields truncate.
func applyConfigKey(cfg *config.Config, key string, val any) error {
	a := &cfg.Appearance
	t := &cfg.Tuning

	switch key {
	case "appearance.enabled":
		return setBool(&a.Enabled, val)
	case "appearance.base_color":
		return setColor(&a.BaseColor, val)
	case "appearance.mode":
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		mode, err := config.ParseMode(s)
		if err != nil {
			return err
		}
		a.Mode = mode
		return nil
	case "appearance.outline_color":
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		if s != "" {
			if _, err := sampler.ParseColor(s); err != nil {
				return err
			}
		}
		a.OutlineColor = s
		return nil
	case "appearance.outline_width":
		return setFloat(&a.OutlineWidth, val)
	case "appearance.glow":
		return setBool(&a.Glow, val)
	case "appearance.shadow":
		return setBool(&a.Shadow, val)
	case "appearance.scale":
		return setFloat(&a.Scale, val)
	case "appearance.sampling_rate":
		return setInt(&a.SamplingRate, val)
	case "appearance.brightness_threshold":
		return setFloat(&a.BrightnessThreshold, val)
	case "appearance.hysteresis":
		return setFloat(&a.Hysteresis, val)
	case "appearance.adaptive_scaling":
		return setBool(&a.AdaptiveScaling, val)
	case "appearance.multi_point":
		return setBool(&a.MultiPoint, val)
	case "tuning.max_tick_rate":
		return setInt(&t.MaxTickRate, val)
	case "tuning.idle_after_sec":
		return setInt(&t.IdleAfterSec, val)
	case "tuning.history_depth":
		return setInt(&t.HistoryDepth, val)
	case "tuning.patch_side":
		return setInt(&t.PatchSide, val)
	case "tuning.multi_point_radius":
		return setInt(&t.MultiPointRadius, val)
	case "tuning.flicker_limit":
		return setInt(&t.FlickerLimit, val)
	case "tuning.flicker_window_ms":
		return setInt(&t.FlickerWindowMs, val)
	case "tuning.dead_zone_slow":
		return setFloat(&t.DeadZoneSlow, val)
	case "tuning.dead_zone_fast":
		return setFloat(&t.DeadZoneFast, val)
	case "tuning.fast_speed":
		return setFloat(&t.FastSpeed, val)
	default:
		return fmt.Errorf("unknown or read-only key")
	}
}

func setBool(dst *bool, val any) error {
	b, ok := val.(bool)
	if !ok {
		return fmt.Errorf("expected bool, got %T", val)
	}
	*dst = b
	return nil
}

func setFloat(dst *float64, val any) error {
	switch v := val.(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	default:
		return fmt.Errorf("expected number, got %T", val)
	}
	return nil
}

func setInt(dst *int, val any) error {
	switch v := val.(type) {
	case float64:
		*dst = int(v)
	case int:
		*dst = v
	default:
		return fmt.Errorf("expected number, got %T", val)
	}
	return nil
}

func setColor(dst *string, val any) error {
	s, ok := val.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", val)
	}
	if _, err := sampler.ParseColor(s); err != nil {
		return err
	}
	*dst = s
	return nil
}
