package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lightning-store/pkg/schemas"
)

func (s *Server) enqueueRollout(w http.ResponseWriter, r *http.Request) {
	var req schemas.EnqueueRolloutRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.store.EnqueueRollout(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) startRollout(w http.ResponseWriter, r *http.Request) {
	var req schemas.StartRolloutRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.store.StartRollout(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) dequeueRollout(w http.ResponseWriter, r *http.Request) {
	var req schemas.DequeueRolloutRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	out, err := s.store.DequeueRollout(r.Context(), req.WorkerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// A nil result encodes as null: the queue was empty.
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) waitForRollouts(w http.ResponseWriter, r *http.Request) {
	var req schemas.WaitForRolloutsRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	timeout := time.Duration(req.Timeout * float64(time.Second))
	out, err := s.store.WaitForRollouts(r.Context(), req.RolloutIDs, timeout)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(out))
}

func (s *Server) queryRollouts(w http.ResponseWriter, r *http.Request) {
	var req schemas.QueryRolloutsRequest
	for _, st := range listParam(r, "status_in") {
		req.StatusIn = append(req.StatusIn, schemas.RolloutStatus(st))
	}
	req.RolloutIDIn = listParam(r, "rollout_id_in")
	out, err := s.store.QueryRollouts(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(out))
}

func (s *Server) getRollout(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetRolloutByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) updateRollout(w http.ResponseWriter, r *http.Request) {
	var req schemas.UpdateRolloutRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.store.UpdateRollout(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) archiveSpans(w http.ResponseWriter, r *http.Request) {
	ref, err := s.store.ArchiveSpans(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.ArchiveResponse{Ref: ref})
}

func (s *Server) queryAttempts(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.QueryAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(out))
}

func (s *Server) getLatestAttempt(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetLatestAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) updateAttempt(w http.ResponseWriter, r *http.Request) {
	var req schemas.UpdateAttemptRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.store.UpdateAttempt(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "aid"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addSpan(w http.ResponseWriter, r *http.Request) {
	var span schemas.Span
	if err := decode(r, &span); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.store.AddSpan(r.Context(), span)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) nextSequenceID(w http.ResponseWriter, r *http.Request) {
	var req schemas.NextSequenceIDRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	seq, err := s.store.GetNextSpanSequenceID(r.Context(), req.RolloutID, req.AttemptID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.NextSequenceIDResponse{SequenceID: seq})
}

func (s *Server) querySpans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.store.QuerySpans(r.Context(), q.Get("rollout_id"), q.Get("attempt_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(out))
}

func (s *Server) updateResources(w http.ResponseWriter, r *http.Request) {
	var req schemas.UpdateResourcesRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.store.UpdateResources(r.Context(), req.Bucket, req.Resources)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addResources(w http.ResponseWriter, r *http.Request) {
	var req schemas.UpdateResourcesRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.store.AddResources(r.Context(), req.Bucket, req.Resources)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) queryResources(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.QueryResources(r.Context(), r.URL.Query().Get("bucket"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(out))
}

func (s *Server) getLatestResources(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetLatestResources(r.Context(), r.URL.Query().Get("bucket"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getResources(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetResourcesByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) updateWorker(w http.ResponseWriter, r *http.Request) {
	var req schemas.UpdateWorkerRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	out, err := s.store.UpdateWorker(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) queryWorkers(w http.ResponseWriter, r *http.Request) {
	var status []schemas.WorkerStatus
	for _, st := range listParam(r, "status") {
		status = append(status, schemas.WorkerStatus(st))
	}
	out, err := s.store.QueryWorkers(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(out))
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetWorkerByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) queueLength(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.QueueLength(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.QueueLengthResponse{Length: n})
}
