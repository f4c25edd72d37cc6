// Manual probe for the store fail-open path: with the server running and
// a valid key in hand, stop Redis and confirm that authenticated
// requests keep returning 200 (quotas under-count) instead of 500, and
// that unauthenticated requests still 401.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"
)

func main() {
	key := os.Getenv("CHAOS_API_KEY")
	email := os.Getenv("CHAOS_EMAIL")
	if key == "" || email == "" {
		fmt.Println("set CHAOS_API_KEY and CHAOS_EMAIL to a valid key/email pair first")
		os.Exit(1)
	}

	base := "http://localhost:8080"

	fmt.Println("1. baseline request with Redis up")
	status := call(base+"/v1/data", key, email)
	fmt.Printf("   -> %d (expect 200)\n", status)

	fmt.Println("2. stopping redis")
	if err := exec.Command("docker-compose", "stop", "redis").Run(); err != nil {
		fmt.Printf("   failed to stop redis: %v\n", err)
		os.Exit(1)
	}
	time.Sleep(2 * time.Second)

	fmt.Println("3. request with Redis down: counters under-count, request must not 500")
	status = call(base+"/v1/data", key, email)
	fmt.Printf("   -> %d (expect 200, never 500)\n", status)

	fmt.Println("4. missing credentials with Redis down still rejects")
	status = call(base+"/v1/data", "", "")
	fmt.Printf("   -> %d (expect 401)\n", status)

	exec.Command("docker-compose", "start", "redis").Run()
}

func call(url, key, email string) int {
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if key != "" {
		req.Header.Set("X-Api-Key", key)
		req.Header.Set("X-User-Email", email)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("   request error: %v\n", err)
		return 0
	}
	resp.Body.Close()
	return resp.StatusCode
}
