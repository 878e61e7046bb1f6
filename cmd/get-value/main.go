package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type valueResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
	Value   []byte `json:"value"`
	Cause   string `json:"cause"`
}

func makeRequest(httpClient *http.Client, url string) ([]byte, http.Header, int, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return []byte{}, nil, -1, fmt.Errorf("Constructing request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return []byte{}, nil, -1, fmt.Errorf("Making request: %w", err)
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return []byte{}, nil, -1, fmt.Errorf("ReadAll: %w", err)
	}

	return data, resp.Header, resp.StatusCode, nil
}

func main() {
	baseURL := os.Getenv("BATCHFILL_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	if len(os.Args) < 2 || os.Args[1] == "" {
		log.Fatal("No key provided")
	}
	key := os.Args[1]

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
	}

	valueURL := fmt.Sprintf("%s/v1/value/%s", strings.TrimSuffix(baseURL, "/"), url.PathEscape(key))
	data, header, statusCode, err := makeRequest(httpClient, valueURL)
	if err != nil {
		log.Fatalf("Failed making request to batchfill: %v", err)
	}

	var resp valueResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Fatalf("Failed parsing response (status %d): %v - %s", statusCode, err, string(data))
	}

	if !resp.Success {
		if retryAfter := header.Get("Retry-After"); retryAfter != "" {
			log.Printf("Retry after %ss", retryAfter)
		}
		log.Printf("Request failed: %d - %s\n", statusCode, resp.Cause)
		os.Exit(1)
	}

	fmt.Println(string(resp.Value))
	fmt.Println(statusCode)
}
