package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/scan-worker/api/types"
	. "github.com/masa-finance/scan-worker/pkg/client"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ = Describe("Client", func() {
	var (
		mockServer *httptest.Server
		client     *Client
		ctx        context.Context

		mu       sync.Mutex
		polls    int
		lastAuth string
		lastBody map[string]any
	)

	BeforeEach(func() {
		ctx = context.Background()
		polls = 0
		mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			lastAuth = r.Header.Get("Authorization")
			lastBody = nil
			if r.Body != nil {
				_ = json.NewDecoder(r.Body).Decode(&lastBody)
			}

			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/scan":
				if handle, _ := lastBody["targetHandle"].(string); handle == "" {
					writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid target handle", Kind: "ValidationError"})
					return
				}
				writeJSON(w, http.StatusOK, types.CreateScanResponse{ScanID: "scan-1"})
			case r.Method == http.MethodGet && r.URL.Path == "/scan/scan-1":
				polls++
				status := "running"
				if polls >= 3 {
					status = "completed"
				}
				writeJSON(w, http.StatusOK, types.ScanView{ScanID: "scan-1", Status: status, Progress: polls * 30})
			case r.Method == http.MethodPost && r.URL.Path == "/scan/scan-1/retry":
				writeJSON(w, http.StatusOK, types.CreateScanResponse{ScanID: "scan-2"})
			case r.Method == http.MethodPost && r.URL.Path == "/session":
				writeJSON(w, http.StatusOK, types.SessionReceipt{Accepted: true, ID: "anon-1"})
			case r.Method == http.MethodGet && r.URL.Path == "/session/validity":
				writeJSON(w, http.StatusOK, types.ValidityResponse{Valid: true, Info: &types.SessionInfo{CookieCount: 2}})
			case r.Method == http.MethodPost && r.URL.Path == "/session/claim":
				writeJSON(w, http.StatusOK, types.ClaimResponse{Claimed: true})
			case r.Method == http.MethodPost && r.URL.Path == "/live-session":
				writeJSON(w, http.StatusOK, types.SignalResponse{Applied: true, Status: "running"})
			case r.Method == http.MethodGet && r.URL.Path == "/healthz":
				writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok", Service: "scan-worker"})
			default:
				writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "scan not found", Kind: "NotFound"})
			}
		}))

		var err error
		client, err = NewClient(mockServer.URL+"/", Token("tok"), PollInterval(5*time.Millisecond))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mockServer.Close()
	})

	Describe("CreateScan", func() {
		It("should create a scan with the bearer token", func() {
			s, err := client.CreateScan(ctx, types.CreateScanRequest{TargetHandle: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.ID).To(Equal("scan-1"))

			mu.Lock()
			defer mu.Unlock()
			Expect(lastAuth).To(Equal("Bearer tok"))
			Expect(lastBody).To(HaveKeyWithValue("targetHandle", "alice"))
		})

		It("should surface validation errors", func() {
			_, err := client.CreateScan(ctx, types.CreateScanRequest{})
			var apiErr *APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(apiErr.Kind).To(Equal("ValidationError"))
		})
	})

	Describe("Wait", func() {
		It("should poll until the scan settles", func() {
			s, err := client.CreateScan(ctx, types.CreateScanRequest{TargetHandle: "alice"})
			Expect(err).NotTo(HaveOccurred())

			view, err := s.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Status).To(Equal("completed"))

			mu.Lock()
			defer mu.Unlock()
			Expect(polls).To(Equal(3))
		})

		It("should give up after the configured retries", func() {
			s, err := client.CreateScan(ctx, types.CreateScanRequest{TargetHandle: "alice"})
			Expect(err).NotTo(HaveOccurred())
			s.SetMaxRetries(2)

			_, err = s.Wait(ctx)
			Expect(err).To(MatchError(ContainSubstring("max retries")))
		})

		It("should stop on a missing scan", func() {
			_, err := client.GetStatus(ctx, "nope")
			Expect(err).To(HaveOccurred())

			s, err := client.Retry(ctx, "scan-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.ID).To(Equal("scan-2"))

			_, err = s.Wait(ctx)
			var apiErr *APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should honour context cancellation", func() {
			s, err := client.CreateScan(ctx, types.CreateScanRequest{TargetHandle: "alice"})
			Expect(err).NotTo(HaveOccurred())
			s.SetDelay(time.Hour)

			cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			_, err = s.Wait(cctx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("Sessions", func() {
		It("should submit, check and claim", func() {
			receipt, err := client.SubmitSession(ctx, types.SessionSubmission{Cookies: map[string]string{"auth_token": "x"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.ID).To(Equal("anon-1"))

			validity, err := client.CheckValidity(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(validity.Valid).To(BeTrue())
			Expect(validity.Info.CookieCount).To(Equal(2))

			Expect(client.Claim(ctx, "anon-1")).To(Succeed())
		})
	})

	Describe("Signal", func() {
		It("should send the live-session action", func() {
			res, err := client.Signal(ctx, "scan-1", "start_extraction")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Applied).To(BeTrue())

			mu.Lock()
			defer mu.Unlock()
			Expect(lastBody).To(HaveKeyWithValue("action", "start_extraction"))
			Expect(lastBody).To(HaveKeyWithValue("scanId", "scan-1"))
		})
	})

	It("should report health", func() {
		h, err := client.Healthz(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Service).To(Equal("scan-worker"))
	})
})

var _ = Describe("NewOptions", func() {
	It("keeps pool defaults for zero fields", func() {
		o, err := NewOptions(Pool(PoolConfig{MaxIdleConns: 7}))
		Expect(err).NotTo(HaveOccurred())
		Expect(o.Pool.MaxIdleConns).To(Equal(7))
		Expect(o.Pool.MaxConnsPerHost).To(Equal(100))
		Expect(o.PollInterval).To(Equal(2 * time.Second))
	})

	It("rejects non-positive durations", func() {
		_, err := NewOptions(PollInterval(0))
		Expect(err).To(HaveOccurred())
		_, err = NewClient("http://localhost", Timeout(-time.Second))
		Expect(err).To(HaveOccurred())
	})
})
