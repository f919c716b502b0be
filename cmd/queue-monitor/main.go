package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
			DeferredCount int64  `json:"deferred_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

var (
	// Total queue backlog - what we really care about
	queueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatpipe_queue_backlog",
		Help: "Number of task envelopes waiting in the workers channel",
	})

	dlqBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatpipe_dlq_backlog",
		Help: "Number of dead letters sitting on the DLQ topic",
	})

	channelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatpipe_nsq_channel_depth",
		Help: "Depth of NSQ channels by topic and channel",
	}, []string{"topic", "channel"})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatpipe_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels by topic and channel",
	}, []string{"topic", "channel"})

	channelDeferred = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatpipe_nsq_channel_deferred",
		Help: "Deferred (retry-delayed) messages for NSQ channels by topic and channel",
	}, []string{"topic", "channel"})
)

func init() {
	prometheus.MustRegister(queueBacklog)
	prometheus.MustRegister(dlqBacklog)
	prometheus.MustRegister(channelDepth)
	prometheus.MustRegister(channelInflight)
	prometheus.MustRegister(channelDeferred)
}

func main() {
	nsqdHost := getEnv("NSQD_HOST", "nsqd:4151")
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)
	tasksTopic := getEnv("NSQ_TASKS_TOPIC", "conversation_tasks")
	dlqTopic := getEnv("NSQ_DLQ_TOPIC", "conversation_tasks_dlq")
	workerChannel := getEnv("NSQ_WORKER_CHANNEL", "workers")

	log.Printf("queue monitor starting on port %s", port)
	log.Printf("monitoring NSQ at %s every %d seconds", nsqdHost, interval)

	go collectMetrics(nsqdHost, tasksTopic, dlqTopic, workerChannel, time.Duration(interval)*time.Second)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func collectMetrics(nsqdHost, tasksTopic, dlqTopic, workerChannel string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := updateMetrics(nsqdHost, tasksTopic, dlqTopic, workerChannel); err != nil {
			log.Printf("Error updating metrics: %v", err)
		}
	}
}

func updateMetrics(nsqdHost, tasksTopic, dlqTopic, workerChannel string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHost))
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	applyStats(stats, tasksTopic, dlqTopic, workerChannel)
	return nil
}

func applyStats(stats NSQStats, tasksTopic, dlqTopic, workerChannel string) {
	for _, topic := range stats.Topics {
		switch topic.TopicName {
		case tasksTopic:
			for _, channel := range topic.Channels {
				if channel.ChannelName == workerChannel {
					queueBacklog.Set(float64(channel.Depth))
				}
				channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
				channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
				channelDeferred.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.DeferredCount))
			}
		case dlqTopic:
			// DLQ backlog is the topic depth; there may be no consumer
			dlqBacklog.Set(float64(topic.Depth))
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
