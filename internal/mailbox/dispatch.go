package mailbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coreway/epochbroker/internal/apperr"
	"github.com/coreway/epochbroker/internal/backend"
	"github.com/coreway/epochbroker/internal/types"
)

// request is the on-disk shape of every file dropped into requests/.
// Only the fields relevant to Command are required; unused fields are
// simply ignored, matching the teacher's lenient JSON decode style at the
// HTTP boundary (decodeJSON there rejects unknown fields, but a command
// table with one shared struct necessarily carries fields most commands
// don't use, so unknown-field rejection is not applied here).
type request struct {
	ClientID  string `json:"client_id"`
	RequestID string `json:"request_id"`
	Command   string `json:"command"`

	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`

	Payload    []byte `json:"payload"`
	Attributes string `json:"attributes"`
	Priority   int32  `json:"priority"`
	Key        string `json:"key"`
	DelayMs    int64  `json:"delay_ms"`

	ConsumerID string `json:"consumer_id"`

	LeaseID              string `json:"lease_id"`
	Requeue              bool   `json:"requeue"`
	Reason               string `json:"reason"`
	VisibilityTimeoutSec int    `json:"visibility_timeout_sec"`

	Max  int `json:"max"`
	UpTo int `json:"up_to"`
}

// responseError is the JSON shape of a failed command's error field.
type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// response is the on-disk shape of every file written into responses/<client_id>/.
type response struct {
	RequestID string         `json:"request_id"`
	OK        bool           `json:"ok"`
	Error     *responseError `json:"error,omitempty"`
	Data      any            `json:"data,omitempty"`
}

func errResponse(requestID string, err error) response {
	return response{
		RequestID: requestID,
		OK:        false,
		Error: &responseError{
			Code:    string(apperr.KindOf(err)),
			Message: apperr.MessageOf(err),
		},
	}
}

func okResponse(requestID string, data any) response {
	return response{RequestID: requestID, OK: true, Data: data}
}

// defaultNamespace is used when a request omits namespace, matching the
// teacher's implicit-default-namespace-on-first-use convention.
const defaultNamespace = "default"

func (s *Server) namespaceOf(req *request) string {
	if req.Namespace != "" {
		return req.Namespace
	}
	return defaultNamespace
}

// commandTable maps a command name to its handler. Grounded on the
// teacher's HTTP route table (transport/http/server.go), same one-command
// one-handler shape, translated from HTTP verbs+paths to a command string.
var commandTable = map[string]func(*Server, context.Context, *request) (any, error){
	"publish":       (*Server).handlePublish,
	"consume_next":  (*Server).handleConsumeNext,
	"ack":           (*Server).handleAck,
	"nack":          (*Server).handleNack,
	"extend_lease":  (*Server).handleExtendLease,
	"status":        (*Server).handleStatus,
	"health":        (*Server).handleHealth,
	"metrics":       (*Server).handleMetrics,
	"list_dlq":      (*Server).handleListDLQ,
	"reprocess_dlq": (*Server).handleReprocessDLQ,
}

// dispatch parses raw request bytes and routes to the matching handler.
// A malformed request or unknown command is reported as invalid_request
// rather than a Go error, so the caller always gets a structured response.
func (s *Server) dispatch(ctx context.Context, raw []byte) (reqID, clientID string, resp response) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", "", errResponse("", apperr.Wrap(apperr.KindInvalidRequest, "malformed json", err))
	}
	reqID, clientID = req.RequestID, req.ClientID

	handler, ok := commandTable[req.Command]
	if !ok {
		return reqID, clientID, errResponse(reqID, apperr.New(apperr.KindInvalidRequest, fmt.Sprintf("unknown command %q", req.Command)))
	}

	if req.Command == "publish" {
		if l := s.limiterFor(req.ClientID); l != nil && !l.Allow() {
			return reqID, clientID, errResponse(reqID, apperr.New(apperr.KindBackpressure, "producer rate limit exceeded"))
		}
	}

	data, err := handler(s, ctx, &req)
	if err != nil {
		return reqID, clientID, errResponse(reqID, err)
	}
	return reqID, clientID, okResponse(reqID, data)
}

func (s *Server) handlePublish(ctx context.Context, req *request) (any, error) {
	if req.Queue == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "queue is required")
	}
	if s.ns != nil {
		if err := s.ns.Ensure(s.namespaceOf(req)); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidRequest, "invalid namespace", err)
		}
	}
	if err := s.schemas.Validate(s.namespaceOf(req), req.Queue, req.Payload); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "payload failed schema validation", err)
	}
	env, err := s.mgr.Enqueue(ctx, s.namespaceOf(req), req.Queue, req.Payload, req.Attributes, req.Priority, req.Key, req.DelayMs)
	if err != nil {
		return nil, err
	}
	return map[string]string{"message_id": env.MessageID}, nil
}

func (s *Server) handleConsumeNext(ctx context.Context, req *request) (any, error) {
	if req.Queue == "" || req.ConsumerID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "queue and consumer_id are required")
	}
	env, lease, err := s.mgr.LeaseNext(ctx, s.namespaceOf(req), req.Queue, req.ConsumerID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return map[string]any{"leased": false}, nil
	}
	return map[string]any{"envelope": env, "lease": lease}, nil
}

func (s *Server) handleAck(ctx context.Context, req *request) (any, error) {
	if req.LeaseID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "lease_id is required")
	}
	if err := s.mgr.Ack(ctx, req.LeaseID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleNack(ctx context.Context, req *request) (any, error) {
	if req.LeaseID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "lease_id is required")
	}
	if err := s.mgr.Nack(ctx, req.LeaseID, req.Reason, req.Requeue); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleExtendLease(ctx context.Context, req *request) (any, error) {
	if req.LeaseID == "" || req.VisibilityTimeoutSec <= 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "lease_id and visibility_timeout_sec are required")
	}
	until, err := s.mgr.ExtendLease(ctx, req.LeaseID, req.VisibilityTimeoutSec)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"lease_until_ms": until}, nil
}

func (s *Server) handleStatus(ctx context.Context, req *request) (any, error) {
	h := s.mgr.Health()
	queues := []string{}
	if s.ns != nil {
		for _, n := range s.ns.List() {
			queues = append(queues, n.Name)
		}
	}
	resp := map[string]any{"uptime_ms": h.UptimeMs, "queues": queues}
	if s.metrics != nil && req.Queue != "" {
		resp["counters"] = s.metrics.SnapshotFor(s.namespaceOf(req), req.Queue)
	}
	return resp, nil
}

func (s *Server) handleHealth(ctx context.Context, req *request) (any, error) {
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleMetrics(ctx context.Context, req *request) (any, error) {
	if req.Queue == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "queue is required")
	}
	m, err := s.mgr.Metrics(ctx, s.namespaceOf(req), req.Queue)
	if err != nil {
		return nil, err
	}
	resp := metricsResponse(m)
	if s.metrics != nil {
		snap := s.metrics.SnapshotFor(s.namespaceOf(req), req.Queue)
		resp["published"] = snap.Published
		resp["leased"] = snap.Leased
		resp["acked"] = snap.Acked
		resp["nacked"] = snap.Nacked
		resp["dlq_routed"] = snap.DLQRouted
	}
	return resp, nil
}

func metricsResponse(m backend.QueueMetrics) map[string]int64 {
	return map[string]int64{
		"ready":    m.Ready,
		"inflight": m.Inflight,
		"delayed":  m.Delayed,
		"dlq":      m.Dlq,
	}
}

func (s *Server) handleListDLQ(ctx context.Context, req *request) (any, error) {
	if req.Queue == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "queue is required")
	}
	max := req.Max
	if max <= 0 {
		max = 100
	}
	items, err := s.mgr.ListDLQ(ctx, s.namespaceOf(req), req.Queue, max)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*types.Envelope{}
	}
	return map[string]any{"items": items}, nil
}

func (s *Server) handleReprocessDLQ(ctx context.Context, req *request) (any, error) {
	if req.Queue == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "queue is required")
	}
	upTo := req.UpTo
	if upTo <= 0 {
		upTo = 100
	}
	n, err := s.mgr.ReprocessDLQ(ctx, s.namespaceOf(req), req.Queue, upTo)
	if err != nil {
		return nil, err
	}
	return map[string]int{"reprocessed": n}, nil
}
