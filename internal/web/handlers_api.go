package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"csrmesh-node/internal/action"
	"csrmesh-node/internal/node"
	"csrmesh-node/internal/timebase"
	"csrmesh-node/internal/timemodel"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (s *Server) nodeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.requestTimeout)
}

// nodeError maps a node call failure to a response.
func (s *Server) nodeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, timemodel.ErrInvalidTimezone):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, node.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, "node stopped")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "node busy")
	default:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleAPIGetTime(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.nodeContext(r)
	defer cancel()
	st, err := s.node.Time(ctx)
	if err != nil {
		s.nodeError(w, "get time", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPISetTime(w http.ResponseWriter, r *http.Request) {
	var req node.SetTimeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !timebase.ValidTimezone(int(req.Timezone)) {
		s.writeError(w, http.StatusBadRequest, timemodel.ErrInvalidTimezone.Error())
		return
	}
	t, err := req.Resolve(time.Now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.nodeContext(r)
	defer cancel()
	if err := s.node.SetTime(ctx, t, req.Timezone); err != nil {
		s.nodeError(w, "set time", err)
		return
	}
	st, err := s.node.Time(ctx)
	if err != nil {
		s.nodeError(w, "get time", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type setIntervalRequest struct {
	Interval *int `json:"interval"`
}

func (s *Server) handleAPISetInterval(w http.ResponseWriter, r *http.Request) {
	var req setIntervalRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Interval == nil || *req.Interval < 0 || *req.Interval > 0xFFFF {
		s.writeError(w, http.StatusBadRequest, "interval must be 0-65535 seconds")
		return
	}

	ctx, cancel := s.nodeContext(r)
	defer cancel()
	if err := s.node.SetBroadcastInterval(ctx, uint16(*req.Interval)); err != nil {
		s.nodeError(w, "set broadcast interval", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"interval": *req.Interval})
}

func (s *Server) handleAPIListActions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.nodeContext(r)
	defer cancel()
	tbl, err := s.node.Actions(ctx)
	if err != nil {
		s.nodeError(w, "list actions", err)
		return
	}
	if tbl.Actions == nil {
		tbl.Actions = []action.Entry{}
	}
	s.writeJSON(w, http.StatusOK, tbl)
}

func (s *Server) handleAPIGetAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseActionID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.nodeContext(r)
	defer cancel()
	tbl, err := s.node.Actions(ctx)
	if err != nil {
		s.nodeError(w, "get action", err)
		return
	}
	for _, a := range tbl.Actions {
		if a.ActionID == id {
			s.writeJSON(w, http.StatusOK, a)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "action not found")
}

func (s *Server) handleAPIDeleteActions(w http.ResponseWriter, r *http.Request) {
	mask, err := parseDeleteQuery(r.URL.Query().Get("mask"), r.URL.Query().Get("ids"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deleteActions(w, r, mask)
}

func (s *Server) handleAPIDeleteAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseActionID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deleteActions(w, r, 1<<id)
}

type deleteResponse struct {
	Requested uint32 `json:"requested"`
	Deleted   uint32 `json:"deleted"`
}

func (s *Server) deleteActions(w http.ResponseWriter, r *http.Request, mask uint32) {
	ctx, cancel := s.nodeContext(r)
	defer cancel()
	deleted, err := s.node.DeleteActions(ctx, mask)
	if err != nil {
		s.nodeError(w, "delete actions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, deleteResponse{Requested: mask, Deleted: deleted})
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := s.node.History(limit)
	if err != nil {
		s.nodeError(w, "list history", err)
		return
	}
	if recs == nil {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func parseActionID(v string) (uint8, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n >= action.MaxActionID {
		return 0, fmt.Errorf("action id must be 0-%d", action.MaxActionID-1)
	}
	return uint8(n), nil
}

// parseDeleteQuery accepts mask (decimal or 0x hex) and/or a comma separated
// ids list.
func parseDeleteQuery(maskParam, idsParam string) (uint32, error) {
	var mask uint32
	if maskParam != "" {
		m, err := strconv.ParseUint(maskParam, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid mask %q", maskParam)
		}
		mask = uint32(m)
	}
	if idsParam != "" {
		for _, part := range strings.Split(idsParam, ",") {
			id, err := parseActionID(strings.TrimSpace(part))
			if err != nil {
				return 0, err
			}
			mask |= 1 << id
		}
	}
	if mask == 0 {
		return 0, errors.New("mask or ids required")
	}
	return mask, nil
}
