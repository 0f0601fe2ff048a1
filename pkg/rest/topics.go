package rest

import (
	"net/http"
	"sort"

	"github.com/IBM/sarama"
	"github.com/kafdeck/kafdeck/pkg/httputil"
)

// TopicSummary is the API shape for a topic listing entry.
type TopicSummary struct {
	Configs           map[string]string `json:"configs,omitempty"`
	Name              string            `json:"name"`
	Partitions        int32             `json:"partitions"`
	ReplicationFactor int16             `json:"replicationFactor"`
}

type createTopicRequest struct {
	Configs           map[string]string `json:"configs,omitempty"`
	Name              string            `json:"name"`
	Partitions        int32             `json:"partitions"`
	ReplicationFactor int16             `json:"replicationFactor"`
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	details, err := client.ListTopics()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	topics := make([]TopicSummary, 0, len(details))
	for name, detail := range details {
		summary := TopicSummary{
			Name:              name,
			Partitions:        detail.NumPartitions,
			ReplicationFactor: detail.ReplicationFactor,
		}
		if len(detail.ConfigEntries) > 0 {
			summary.Configs = make(map[string]string, len(detail.ConfigEntries))
			for k, v := range detail.ConfigEntries {
				if v != nil {
					summary.Configs[k] = *v
				}
			}
		}
		topics = append(topics, summary)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })

	httputil.JSON(w, http.StatusOK, topics)
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	if req.Name == "" {
		httputil.Error(w, http.StatusBadRequest, "topic name is required")
		return
	}
	if req.Partitions < 1 {
		req.Partitions = 1
	}
	if req.ReplicationFactor < 1 {
		req.ReplicationFactor = 1
	}

	client, err := s.clients.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	detail := &sarama.TopicDetail{
		NumPartitions:     req.Partitions,
		ReplicationFactor: req.ReplicationFactor,
	}
	if len(req.Configs) > 0 {
		detail.ConfigEntries = make(map[string]*string, len(req.Configs))
		for k, v := range req.Configs {
			detail.ConfigEntries[k] = &v
		}
	}

	if err := client.CreateTopic(req.Name, detail); err != nil {
		s.writeError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, TopicSummary{
		Name:              req.Name,
		Partitions:        req.Partitions,
		ReplicationFactor: req.ReplicationFactor,
		Configs:           req.Configs,
	})
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := client.DeleteTopic(r.PathValue("topic")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTopicPartitions(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	partitions, err := client.TopicPartitions(r.PathValue("topic"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, partitions)
}
