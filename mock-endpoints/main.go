// Dev receiver for exercising the delivery pipeline locally. It answers both
// verification handshakes and checks delivery signatures when WEBHOOK_SECRET
// is set.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var requestCount atomic.Int64

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	secret := os.Getenv("WEBHOOK_SECRET")

	// Successful endpoint — answers verification and returns 200 for deliveries
	http.HandleFunc("/webhook/success", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		body, _ := io.ReadAll(r.Body)

		if handleVerification(w, body, count) {
			return
		}

		status := http.StatusOK
		note := "received"
		if secret != "" && !validSignature(r, body, secret) {
			status = http.StatusUnauthorized
			note = "bad signature"
		}
		logRequest(r, count, status)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"status": note})
	})

	// Slow endpoint — delays 3 seconds before responding
	http.HandleFunc("/webhook/slow", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		body, _ := io.ReadAll(r.Body)

		if handleVerification(w, body, count) {
			return
		}

		time.Sleep(3 * time.Second)
		logRequest(r, count, 200)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received (slow)"})
	})

	// Failing endpoint — verifies fine, then fails every delivery
	http.HandleFunc("/webhook/fail", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		body, _ := io.ReadAll(r.Body)

		if handleVerification(w, body, count) {
			return
		}

		logRequest(r, count, 500)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
	})

	// Unverifiable endpoint — rejects the handshake so registrations end up
	// in verification_failed
	http.HandleFunc("/webhook/unverifiable", func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	// Stats endpoint — shows request count
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	log.Printf("Mock endpoint server starting on :%s", port)
	log.Printf("  POST /webhook/success       -> 200 OK")
	log.Printf("  POST /webhook/slow          -> 200 OK (3s delay)")
	log.Printf("  POST /webhook/fail          -> 500 Error")
	log.Printf("  POST /webhook/unverifiable  -> 403 on handshake")
	log.Printf("  GET  /stats                 -> request count")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// handleVerification answers both handshake shapes: token echo needs any 2xx,
// challenge echo needs the challenge sent back as JSON.
func handleVerification(w http.ResponseWriter, body []byte, count int64) bool {
	var probe struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}

	switch probe.Type {
	case "webhook.verification":
		fmt.Printf("[#%d] verification (token echo) -> 200\n", count)
		w.WriteHeader(http.StatusOK)
		return true
	case "url_verification":
		fmt.Printf("[#%d] verification (challenge echo) -> 200\n", count)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"challenge": probe.Challenge})
		return true
	}
	return false
}

// validSignature recomputes HMAC-SHA256 over "{timestamp}.{body}" and compares
// against the v1= header value.
func validSignature(r *http.Request, body []byte, secret string) bool {
	sig := r.Header.Get("X-Webhook-Signature")
	tsStr := r.Header.Get("X-Webhook-Timestamp")
	if !strings.HasPrefix(sig, "v1=") || tsStr == "" {
		return false
	}
	if _, err := strconv.ParseInt(tsStr, 10, 64); err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.", tsStr)
	mac.Write(body)
	expected := "v1=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig))
}

func logRequest(r *http.Request, count int64, status int) {
	fmt.Printf("[#%d] %s %s -> %d | sig=%s event=%s webhook=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		truncate(r.Header.Get("X-Webhook-Signature"), 16),
		r.Header.Get("X-Event-Id"),
		truncate(r.Header.Get("X-Webhook-Id"), 8),
	)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
