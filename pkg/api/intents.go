package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/intent"
)

// intentView pairs a classifier rule with the capability that serves it.
type intentView struct {
	intent.Rule
	Capability *capability.Descriptor `json:"capability,omitempty"`
}

// handleIntents lists the classification table in evaluation order.
func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "classifier not available")
		return
	}
	rules := s.deps.Classifier.Rules()
	out := make([]intentView, 0, len(rules))
	for _, rule := range rules {
		out = append(out, intentView{Rule: rule, Capability: s.lookup(rule.Intent)})
	}
	writeJSON(w, http.StatusOK, out)
}

type classifyRequest struct {
	Text          string `json:"text"`
	HasAttachment bool   `json:"has_attachment"`
}

// handleClassify runs the classifier without dispatching anything.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "classifier not available")
		return
	}
	var req classifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" && !req.HasAttachment {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}

	in := s.deps.Classifier.Classify(req.Text, req.HasAttachment)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intent":     in,
		"recognized": in.Recognized(),
		"capability": s.lookup(in.Name),
	})
}

func (s *Server) lookup(name string) *capability.Descriptor {
	if s.deps.Registry == nil {
		return nil
	}
	d, err := s.deps.Registry.Lookup(name)
	if err != nil {
		return nil
	}
	return &d
}
