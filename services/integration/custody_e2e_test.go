package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/AfshinJalili/custodex/libs/kafka"
	"github.com/AfshinJalili/custodex/services/testutil"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

func TestCustodyNativeRoundTrip(t *testing.T) {
	requireIntegration(t)
	waitForReady(t)

	account := uuid.New()
	tok := tokenFor(t, account)

	var dep movementResponse
	status := custodyRequest(t, http.MethodPost, "/v1/deposits", map[string]string{"asset": "NATIVE", "amount": "1000000000000000000"}, tok, &dep)
	if status != http.StatusOK {
		t.Fatalf("deposit: status %d", status)
	}
	if dep.Balance != "1000000000000000000" || !dep.Recorded {
		t.Fatalf("unexpected deposit %+v", dep)
	}

	var wd movementResponse
	status = custodyRequest(t, http.MethodPost, "/v1/withdrawals", map[string]string{"asset": "NATIVE", "amount": "400000000000000000"}, tok, &wd)
	if status != http.StatusOK {
		t.Fatalf("withdraw: status %d", status)
	}

	bal := balanceOf(t, tok, "NATIVE")
	if bal.Balance != "600000000000000000" || bal.Deposits != 1 || bal.Withdrawals != 1 {
		t.Fatalf("unexpected balance %+v", bal)
	}

	var movements struct {
		Movements []movementResponse `json:"movements"`
	}
	if status := custodyRequest(t, http.MethodGet, "/v1/movements", nil, tok, &movements); status != http.StatusOK {
		t.Fatalf("movements: status %d", status)
	}
	if len(movements.Movements) != 2 || movements.Movements[0].MovementID != wd.MovementID {
		t.Fatalf("expected newest-first history, got %+v", movements.Movements)
	}
}

func TestCustodyRejectsOverdraw(t *testing.T) {
	requireIntegration(t)
	waitForReady(t)

	tok := tokenFor(t, uuid.New())
	var errResp errorResponse
	status := custodyRequest(t, http.MethodPost, "/v1/withdrawals", map[string]string{"asset": "NATIVE", "amount": "1"}, tok, &errResp)
	if status != http.StatusBadRequest || errResp.Code != testutil.ErrorCodeInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %d %+v", status, errResp)
	}
}

func TestCustodyAdminRequiresOwner(t *testing.T) {
	requireIntegration(t)
	waitForReady(t)

	var errResp errorResponse
	status := custodyRequest(t, http.MethodPost, "/v1/admin/assets", map[string]any{"asset": "LINK", "unit_scale": 18, "feed_decimals": 8}, tokenFor(t, testutil.DemoAccountID), &errResp)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestCustodyDetectedDepositFlow(t *testing.T) {
	requireIntegration(t)
	waitForReady(t)

	watcher := startTopicWatcher(t, "custody.deposits")
	defer watcher.closeFn()

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(getKafkaBrokers(), cfg)
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	defer producer.Close()

	account := uuid.New()
	env, err := kafka.NewEnvelope("custody.deposit.detected", 1, kafka.WithSource("integration"))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"event_id":      env.EventID,
		"event_type":    env.EventType,
		"event_version": env.EventVersion,
		"timestamp":     env.Timestamp,
		"asset":         "NATIVE",
		"account_id":    account.String(),
		"amount":        uint256.NewInt(5_000).Dec(),
	})
	msg := &sarama.ProducerMessage{Topic: "custody.deposits.detected", Key: sarama.StringEncoder(account.String()), Value: sarama.ByteEncoder(payload)}
	for i := 0; i < 2; i++ {
		if _, _, err := producer.SendMessage(msg); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	timeout := time.After(20 * time.Second)
	for {
		select {
		case m := <-watcher.ch:
			var event struct {
				AccountID string `json:"account_id"`
			}
			if err := json.Unmarshal(m.Value, &event); err != nil || event.AccountID != account.String() {
				continue
			}
			bal := balanceOf(t, tokenFor(t, account), "NATIVE")
			if bal.Balance != "5000" || bal.Deposits != 1 {
				t.Fatalf("expected one credited deposit despite redelivery, got %+v", bal)
			}
			return
		case <-timeout:
			t.Fatalf("timed out waiting for deposit event")
		}
	}
}
