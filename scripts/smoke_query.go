//go:build ignore

// Smoke script to exercise a running queryd end to end.
// Run with: go run scripts/smoke_query.go
//
// Needs a queryd instance (QUERYD_URL, default http://localhost:12310)
// with its database and LLM backend reachable. SMOKE_QUESTION overrides
// the question asked.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	base := os.Getenv("QUERYD_URL")
	if base == "" {
		base = "http://localhost:12310"
	}
	question := os.Getenv("SMOKE_QUESTION")
	if question == "" {
		question = "How many customers are there?"
	}

	client := &http.Client{}

	fmt.Println("┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 1: Health check                                            │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	body := getJSON(ctx, client, base+"/health")
	fmt.Printf("health: %s\n", body)

	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 2: Service info                                            │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	body = getJSON(ctx, client, base+"/info")
	fmt.Printf("info: %s\n", body)

	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 3: Create a thread                                         │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	resp, err := client.Post(base+"/threads", "application/json",
		strings.NewReader(`{"metadata":{"source":"smoke"}}`))
	if err != nil {
		log.Fatalf("create thread: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("create thread: status %d: %s", resp.StatusCode, raw)
	}
	var thread struct {
		ID string `json:"thread_id"`
	}
	if err := json.Unmarshal(raw, &thread); err != nil || thread.ID == "" {
		log.Fatalf("create thread: bad response %s", raw)
	}
	fmt.Printf("thread: %s\n", thread.ID)

	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 4: Run a question over SSE                                 │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	fmt.Printf("question: %s\n\n", question)
	runStream(ctx, client, base, thread.ID, question)

	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 5: Replay the thread history                               │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	resp, err = client.Post(base+"/threads/"+thread.ID+"/history", "application/json",
		strings.NewReader(`{}`))
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	raw, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	var hist struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(raw, &hist)
	fmt.Printf("turns recorded: %d\n", hist.Count)

	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 6: Delete the thread                                       │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, base+"/threads/"+thread.ID, nil)
	resp, err = client.Do(req)
	if err != nil {
		log.Fatalf("delete thread: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	fmt.Printf("delete status: %d\n", resp.StatusCode)

	fmt.Println("\nSmoke run complete.")
}

// getJSON fetches a URL and returns the body, failing the run on error.
func getJSON(ctx context.Context, client *http.Client, url string) string {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("GET %s: status %d: %s", url, resp.StatusCode, raw)
	}
	return string(bytes.TrimSpace(raw))
}

// runStream posts a run request and prints the SSE events as they
// arrive, truncating row payloads.
func runStream(ctx context.Context, client *http.Client, base, threadID, question string) {
	payload, _ := json.Marshal(map[string]string{"question": question})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/threads/"+threadID+"/runs/stream", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("run stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		log.Fatalf("run stream: status %d: %s", resp.StatusCode, raw)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ": ") {
			continue
		}
		if len(line) > 160 {
			line = line[:160] + "…"
		}
		fmt.Println(line)
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("reading stream: %v", err)
	}
}
