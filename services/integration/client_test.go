package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/AfshinJalili/custodex/services/testutil"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

func getCustodyURL() string {
	if url := os.Getenv("CUSTODY_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func getJWTSecret() []byte {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return []byte(secret)
	}
	return []byte("dev-secret")
}

func getKafkaBrokers() []string {
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := normalizeBroker(strings.TrimSpace(part))
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{"localhost:9092"}
}

func normalizeBroker(value string) string {
	if strings.Contains(value, "://") {
		value = strings.SplitN(value, "://", 2)[1]
	}
	return strings.TrimSpace(value)
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
}

func tokenFor(t *testing.T, account uuid.UUID, roles ...string) string {
	t.Helper()
	tok, err := testutil.GenerateJWT(account, getJWTSecret(), time.Hour, time.Now(), roles...)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return tok
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

type movementResponse struct {
	MovementID string `json:"movement_id"`
	Kind       string `json:"kind"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Value      string `json:"value"`
	Balance    string `json:"balance"`
	Recorded   bool   `json:"recorded"`
}

type balanceResponse struct {
	Asset       string `json:"asset"`
	Balance     string `json:"balance"`
	Deposits    uint64 `json:"deposits"`
	Withdrawals uint64 `json:"withdrawals"`
}

func custodyRequest(t *testing.T, method, path string, body any, token string, out any) int {
	t.Helper()
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		payload = raw
	}
	req, err := http.NewRequest(method, getCustodyURL()+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func balanceOf(t *testing.T, token, asset string) balanceResponse {
	t.Helper()
	var out balanceResponse
	if status := custodyRequest(t, http.MethodGet, "/v1/balances/"+asset, nil, token, &out); status != http.StatusOK {
		t.Fatalf("balance: status %d", status)
	}
	return out
}

func waitForReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(getCustodyURL() + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("custody service not ready at %s", getCustodyURL())
}

type topicWatcher struct {
	ch      chan *sarama.ConsumerMessage
	closeFn func()
}

func startTopicWatcher(t *testing.T, topic string) topicWatcher {
	t.Helper()
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(getKafkaBrokers(), cfg)
	if err != nil {
		t.Fatalf("kafka consumer: %v", err)
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}

	out := make(chan *sarama.ConsumerMessage, 16)
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			t.Fatalf("consume partition: %v", err)
		}
		pcs = append(pcs, pc)
		go func(pc sarama.PartitionConsumer) {
			for msg := range pc.Messages() {
				out <- msg
			}
		}(pc)
	}

	return topicWatcher{ch: out, closeFn: func() {
		for _, pc := range pcs {
			_ = pc.Close()
		}
		_ = consumer.Close()
	}}
}
