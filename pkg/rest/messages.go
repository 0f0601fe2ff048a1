package rest

import (
	"net/http"

	"github.com/kafdeck/kafdeck/pkg/httputil"
)

// produceRequest is one message to publish. A null value produces a
// tombstone; compacted topics treat it as a delete marker for the key.
type produceRequest struct {
	Headers map[string]string `json:"headers,omitempty"`
	Key     *string           `json:"key,omitempty"`
	Value   *string           `json:"value"`
}

type produceResponse struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

func (s *Server) handleProduceMessage(w http.ResponseWriter, r *http.Request) {
	var req produceRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}

	client, err := s.clients.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var key, value []byte
	if req.Key != nil {
		key = []byte(*req.Key)
	}
	if req.Value != nil {
		value = []byte(*req.Value)
	}

	topic := r.PathValue("topic")
	partition, offset, err := client.ProduceMessage(topic, key, value, req.Headers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, produceResponse{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
	})
}
