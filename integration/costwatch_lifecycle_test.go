package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"costwatch-go/internal/anomaly"
	"costwatch-go/internal/api"
	"costwatch-go/internal/cache"
	"costwatch-go/internal/config"
	"costwatch-go/internal/domain"
	enginememory "costwatch-go/internal/engine/memory"
	"costwatch-go/internal/ingest"
	"costwatch-go/internal/kv"
	kvmemory "costwatch-go/internal/kv/memory"
	"costwatch-go/internal/notification"
	"costwatch-go/internal/processor"
	queuememory "costwatch-go/internal/queue/memory"
	"costwatch-go/internal/storage"
)

// stack is a fully wired in-memory CostWatch instance.
type stack struct {
	server     *api.Server
	store      *kvmemory.Store
	engine     *enginememory.Engine
	queue      *queuememory.Queue
	session    *anomaly.Session
	controller *storage.Controller
	cancel     context.CancelFunc
}

// newStack wires the whole service in memory mode, mirroring the
// composition in cmd/costwatch.
func newStack() *stack {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := kvmemory.NewStore()
	eng := enginememory.NewEngine()
	msgQueue := queuememory.NewQueue(1000)

	aggCache := cache.New(store, logger)
	runner := cache.NewRunner(aggCache, logger)

	controller := storage.NewController(store, storage.Config{
		QuotaBytes: 1 << 30,
		PurgeGrace: 10 * time.Millisecond,
	}, logger)

	detector := anomaly.NewDetector(anomaly.Config{
		Sensitivity:        0.5,
		Threshold:          0.5,
		SeasonalAdjustment: true,
	}, logger)
	session := anomaly.NewSession(detector, eng, store, notification.NewStubNotifier(logger), anomaly.SessionConfig{
		WindowDays:      30,
		RefreshInterval: time.Hour,
	}, logger)

	ingestService := ingest.NewService(msgQueue, logger)
	processorService := processor.NewService(msgQueue, eng, store, aggCache, logger)

	cacheCfg := &config.CacheConfig{
		DefaultTTL: time.Hour,
		StaleTime:  15 * time.Minute,
	}
	serverCfg := &config.ServerConfig{Host: "127.0.0.1", Port: 0}

	server := api.NewServer(api.ServerDeps{
		Config:         serverCfg,
		Logger:         logger,
		IngestHandler:  api.NewIngestHandler(ingestService, logger),
		CostHandler:    api.NewCostHandler(runner, eng, cacheCfg, logger),
		AnomalyHandler: api.NewAnomalyHandler(session, logger),
		CacheHandler:   api.NewCacheHandler(aggCache, logger),
		StorageHandler: api.NewStorageHandler(controller, logger),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = processorService.Start(ctx)
	}()

	return &stack{
		server:     server,
		store:      store,
		engine:     eng,
		queue:      msgQueue,
		session:    session,
		controller: controller,
		cancel:     cancel,
	}
}

// do performs an in-process HTTP request against the fiber app.
func (s *stack) do(method, path string, body interface{}) *http.Response {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	Expect(err).NotTo(HaveOccurred())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.server.App().Test(req, 10000)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

// parseData decodes the response envelope and returns its data payload.
func parseData(resp *http.Response) map[string]interface{} {
	defer resp.Body.Close()

	var envelope struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	Expect(json.NewDecoder(resp.Body).Decode(&envelope)).To(Succeed())
	Expect(envelope.Success).To(BeTrue())
	return envelope.Data
}

func usagePayload(resourceID string, ts time.Time, amount float64) map[string]interface{} {
	return map[string]interface{}{
		"resource_id":  resourceID,
		"service_name": "compute",
		"provider":     "aws",
		"region":       "us-east-1",
		"timestamp":    ts.Format(time.RFC3339),
		"amount":       amount,
		"currency":     "USD",
	}
}

var _ = Describe("CostWatch lifecycle", Ordered, func() {
	var s *stack

	BeforeAll(func() {
		s = newStack()
	})

	AfterAll(func() {
		s.cancel()
	})

	Describe("health check", func() {
		It("returns healthy status", func() {
			resp := s.do("GET", "/healthz", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})
	})

	Describe("usage ingestion", func() {
		It("accepts a usage record and lands it in the engine", func() {
			resp := s.do("POST", "/v1/usage", usagePayload("vm-1", time.Now().UTC(), 12.5))
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			resp.Body.Close()

			Eventually(func() int {
				return s.engine.Len()
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(1))
		})

		It("rejects an invalid usage record", func() {
			payload := usagePayload("", time.Now().UTC(), 1.0)
			resp := s.do("POST", "/v1/usage", payload)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("accepts a batch with per-record rejects", func() {
			bad := usagePayload("vm-2", time.Now().UTC(), 1.0)
			bad["service_name"] = ""
			batch := []map[string]interface{}{
				usagePayload("vm-2", time.Now().UTC(), 3.0),
				bad,
			}
			resp := s.do("POST", "/v1/usage/batch", batch)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			data := parseData(resp)
			Expect(data["accepted"]).To(BeEquivalentTo(1))
		})
	})

	Describe("cached cost queries", func() {
		It("serves a miss then a fresh cache hit", func() {
			// Wait for every queued record to land; each landing
			// invalidates the derived cache kinds.
			Eventually(func() int {
				return s.engine.Len()
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(2))

			resp := s.do("GET", "/v1/costs/kpis?window_days=30", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("X-Cache")).To(Equal("miss"))
			resp.Body.Close()

			resp = s.do("GET", "/v1/costs/kpis?window_days=30", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("X-Cache")).To(Equal("fresh"))
			resp.Body.Close()
		})

		It("bypasses the cache on refresh=true", func() {
			resp := s.do("GET", "/v1/costs/kpis?window_days=30&refresh=true", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("X-Cache")).To(Equal("miss"))
			resp.Body.Close()
		})

		It("serves daily costs and top services", func() {
			for _, path := range []string{
				"/v1/costs/daily?window_days=30",
				"/v1/costs/top-services?window_days=30&limit=5",
			} {
				resp := s.do("GET", path, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK), path)
				resp.Body.Close()
			}
		})
	})

	Describe("anomaly detection", func() {
		It("detects a cost spike seeded into the engine", func() {
			// Nine quiet days then a spike today for one resource.
			now := time.Now().UTC()
			for i := 9; i >= 1; i-- {
				record := domain.UsageRecord{
					ResourceID:  "spiky-vm",
					ServiceName: "compute",
					Provider:    "aws",
					Timestamp:   now.AddDate(0, 0, -i),
					Amount:      10,
					Currency:    "USD",
				}
				Expect(s.engine.InsertUsage(context.Background(), record)).To(Succeed())
			}
			spike := domain.UsageRecord{
				ResourceID:  "spiky-vm",
				ServiceName: "compute",
				Provider:    "aws",
				Timestamp:   now,
				Amount:      80,
				Currency:    "USD",
			}
			Expect(s.engine.InsertUsage(context.Background(), spike)).To(Succeed())

			resp := s.do("POST", "/v1/anomalies/detect", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			resp.Body.Close()

			resp = s.do("GET", "/v1/anomalies?resource_id=spiky-vm", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data := parseData(resp)
			Expect(data["count"]).To(BeNumerically(">=", 1))
		})

		It("summarizes the latest run", func() {
			resp := s.do("GET", "/v1/anomalies/summary", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data := parseData(resp)
			Expect(data["total"]).To(BeNumerically(">=", 1))
		})

		It("persists the batch for cold starts", func() {
			raw, err := s.store.Get(context.Background(), kv.NamespaceAnomaly, "anomaly:latest")
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).NotTo(BeNil())
		})
	})

	Describe("cache administration", func() {
		It("reports stats and invalidates everything", func() {
			resp := s.do("GET", "/v1/cache/stats", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data := parseData(resp)
			Expect(data["hits"]).To(BeNumerically(">=", 1))

			resp = s.do("DELETE", "/v1/cache", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data = parseData(resp)
			Expect(data["removed"]).To(BeNumerically(">=", 1))
		})
	})

	Describe("storage lifecycle", func() {
		It("reports storage info with default settings", func() {
			resp := s.do("GET", "/v1/storage", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data := parseData(resp)
			Expect(data["quota_bytes"]).To(BeEquivalentTo(1 << 30))
		})

		It("round-trips storage settings", func() {
			payload := map[string]interface{}{
				"mode":                   "ephemeral",
				"retention_days":         7,
				"auto_cleanup_threshold": 50,
			}
			resp := s.do("PUT", "/v1/storage/settings", payload)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()

			resp = s.do("GET", "/v1/storage/settings", nil)
			data := parseData(resp)
			Expect(data["mode"]).To(Equal("ephemeral"))
			Expect(data["retention_days"]).To(BeEquivalentTo(7))
		})

		It("rejects out-of-range settings", func() {
			payload := map[string]interface{}{
				"mode":           "persistent",
				"retention_days": -1,
			}
			resp := s.do("PUT", "/v1/storage/settings", payload)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("purges all local data", func() {
			resp := s.do("POST", "/v1/storage/purge", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data := parseData(resp)
			Expect(data["complete"]).To(BeTrue())

			// The billing archive and the persisted batch are gone.
			for _, ns := range []string{kv.NamespaceBilling, kv.NamespaceAnomaly, kv.NamespaceCache, kv.NamespaceSettings} {
				keys, err := s.store.ListKeys(context.Background(), ns)
				Expect(err).NotTo(HaveOccurred())
				Expect(keys).To(BeEmpty(), fmt.Sprintf("namespace %s should be empty", ns))
			}
		})
	})
})
