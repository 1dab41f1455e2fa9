package service

import (
	"context"
	"strconv"
	"time"

	"ModelHub/internal/biz"
	"ModelHub/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationConfigureRule = "/modelhub.v1.AlertService/ConfigureRule"
	OperationListRules     = "/modelhub.v1.AlertService/ListRules"
	OperationDeleteRule    = "/modelhub.v1.AlertService/DeleteRule"
	OperationIngestMetric  = "/modelhub.v1.AlertService/IngestMetric"
	OperationGetMetric     = "/modelhub.v1.AlertService/GetMetric"
	OperationListAlerts    = "/modelhub.v1.AlertService/ListAlerts"

	defaultAlertListLimit = 100
)

type ConfigureRuleRequest struct {
	Name            string  `json:"name"`
	MetricName      string  `json:"metric_name"`
	Threshold       float64 `json:"threshold"`
	Comparison      string  `json:"comparison"`
	Duration        int64   `json:"duration"`
	Level           string  `json:"level"`
	Type            string  `json:"type"`
	MessageTemplate string  `json:"message_template"`
	Enabled         *bool   `json:"enabled"`
}

type ListRulesRequest struct{}

type ListRulesReply struct {
	Rules []*model.AlertRule `json:"rules"`
}

type DeleteRuleRequest struct {
	Name string `json:"name"`
}

type DeleteRuleReply struct {
	Success bool `json:"success"`
}

type IngestMetricRequest struct {
	MetricName string            `json:"metric_name"`
	Value      *float64          `json:"value"`
	Tags       map[string]string `json:"tags"`
	Timestamp  *time.Time        `json:"timestamp"`
	Source     string            `json:"source"`
}

type IngestMetricReply struct {
	AlertsFired    int `json:"alerts_fired"`
	AlertsResolved int `json:"alerts_resolved"`
}

type GetMetricRequest struct {
	Name string `json:"name"`
}

type ListAlertsRequest struct {
	Active bool `json:"active"`
	Limit  int  `json:"limit"`
}

type ListAlertsReply struct {
	Alerts []*model.AlertEvent `json:"alerts"`
}

// AlertService handles alert rule configuration, metric ingestion and alert queries.
type AlertService struct {
	engine *biz.AlertEngine
	logger *log.Helper
}

// NewAlertService creates a new AlertService instance.
func NewAlertService(engine *biz.AlertEngine, logger log.Logger) *AlertService {
	return &AlertService{
		engine: engine,
		logger: log.NewHelper(log.With(logger, "module", "service/alert")),
	}
}

// ConfigureRule creates or replaces a rule. Rules are enabled unless the
// request says otherwise.
func (s *AlertService) ConfigureRule(ctx context.Context, req *ConfigureRuleRequest) (*model.AlertRule, error) {
	rule := &model.AlertRule{
		Name:            req.Name,
		MetricName:      req.MetricName,
		Threshold:       req.Threshold,
		Comparator:      model.Comparator(req.Comparison),
		DurationSeconds: req.Duration,
		Level:           model.AlertLevel(req.Level),
		Type:            model.AlertType(req.Type),
		MessageTemplate: req.MessageTemplate,
		Enabled:         req.Enabled == nil || *req.Enabled,
	}
	if rule.Level == "" {
		rule.Level = model.AlertLevelWarning
	}
	if rule.Type == "" {
		rule.Type = model.AlertTypePerformance
	}

	if err := s.engine.ConfigureRule(ctx, rule); err != nil {
		s.logger.Warnw("msg", "failed to configure alert rule", "rule", req.Name, "error", err)
		return nil, toKratosError(err)
	}
	return rule, nil
}

// ListRules returns every configured rule.
func (s *AlertService) ListRules(_ context.Context, _ *ListRulesRequest) (*ListRulesReply, error) {
	return &ListRulesReply{Rules: s.engine.ListRules()}, nil
}

// DeleteRule removes a rule.
func (s *AlertService) DeleteRule(ctx context.Context, req *DeleteRuleRequest) (*DeleteRuleReply, error) {
	if err := s.engine.DeleteRule(ctx, req.Name); err != nil {
		s.logger.Warnw("msg", "failed to delete alert rule", "rule", req.Name, "error", err)
		return nil, toKratosError(err)
	}
	return &DeleteRuleReply{Success: true}, nil
}

// IngestMetric evaluates a sample synchronously.
func (s *AlertService) IngestMetric(ctx context.Context, req *IngestMetricRequest) (*IngestMetricReply, error) {
	if req.Value == nil {
		return nil, kerrors.BadRequest("INVALID_ARGUMENT", "value is required")
	}
	sample := model.MetricSample{
		Name:   req.MetricName,
		Value:  *req.Value,
		Tags:   req.Tags,
		Source: req.Source,
	}
	if req.Timestamp != nil {
		sample.Timestamp = *req.Timestamp
	}

	res, err := s.engine.Ingest(ctx, sample)
	if err != nil {
		return nil, toKratosError(err)
	}
	return &IngestMetricReply{AlertsFired: len(res.Fired), AlertsResolved: len(res.Resolved)}, nil
}

// GetMetric returns the latest sample of a metric.
func (s *AlertService) GetMetric(_ context.Context, req *GetMetricRequest) (*model.MetricSample, error) {
	sample, ok := s.engine.GetMetric(req.Name)
	if !ok {
		return nil, kerrors.NotFound("METRIC_NOT_FOUND", "no samples for metric "+req.Name)
	}
	return &sample, nil
}

// ListAlerts returns recent alert events, or only open ones when Active is set.
func (s *AlertService) ListAlerts(_ context.Context, req *ListAlertsRequest) (*ListAlertsReply, error) {
	if req.Active {
		return &ListAlertsReply{Alerts: s.engine.ListActiveAlerts()}, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultAlertListLimit
	}
	return &ListAlertsReply{Alerts: s.engine.ListAlerts(limit)}, nil
}

// RegisterHTTP mounts the alert routes on srv.
func (s *AlertService) RegisterHTTP(srv *http.Server) {
	r := srv.Route("/")
	r.PUT("/api/v1/alert-rules/{name}", handle(OperationConfigureRule, func(ctx http.Context, in *ConfigureRuleRequest) error {
		if err := ctx.Bind(in); err != nil {
			return err
		}
		in.Name = ctx.Vars().Get("name")
		return nil
	}, s.ConfigureRule))
	r.GET("/api/v1/alert-rules", handle[ListRulesRequest, ListRulesReply](OperationListRules, nil, s.ListRules))
	r.DELETE("/api/v1/alert-rules/{name}", handle(OperationDeleteRule, func(ctx http.Context, in *DeleteRuleRequest) error {
		in.Name = ctx.Vars().Get("name")
		return nil
	}, s.DeleteRule))
	r.POST("/api/v1/metrics", handle(OperationIngestMetric, func(ctx http.Context, in *IngestMetricRequest) error {
		return ctx.Bind(in)
	}, s.IngestMetric))
	r.GET("/api/v1/metrics/{name}", handle(OperationGetMetric, func(ctx http.Context, in *GetMetricRequest) error {
		in.Name = ctx.Vars().Get("name")
		return nil
	}, s.GetMetric))
	r.GET("/api/v1/alerts", handle(OperationListAlerts, bindListAlerts, s.ListAlerts))
}

func bindListAlerts(ctx http.Context, in *ListAlertsRequest) error {
	q := ctx.Query()
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		in.Active = active
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		in.Limit = limit
	}
	return nil
}
