package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type result struct {
	Error string `json:"error"`
}

func main() {
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	addr := flag.String("addr", "http://localhost:9001/execute", "Execute endpoint URL")
	keys := flag.Int("keys", 10000, "Number of distinct keys")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	exec := func(sql string) (int, string, error) {
		resp, err := client.Get(*addr + "?sql=" + url.QueryEscape(sql))
		if err != nil {
			return 0, "", err
		}
		defer resp.Body.Close()
		var res result
		json.NewDecoder(resp.Body).Decode(&res)
		return resp.StatusCode, res.Error, nil
	}

	if code, msg, err := exec("CREATE TABLE bench (k INT PRIMARY KEY, v STRING)"); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		return
	} else if code != http.StatusOK && !strings.Contains(msg, "already exists") {
		fmt.Printf("Setup failed: %s\n", msg)
		return
	}

	fmt.Printf("Starting Benchmark: %d workers, %v duration, target %s\n", *concurrency, *duration, *addr)

	var ops, conflicts, errors int64
	start := time.Now()
	done := make(chan struct{})
	time.AfterFunc(*duration, func() { close(done) })

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				// Workload: 50% upsert, 50% point select
				k := rand.Intn(*keys)
				var sql string
				switch r := rand.Float32(); {
				case r < 0.25:
					sql = fmt.Sprintf("INSERT INTO bench VALUES (%d, 'val%d')", k, rand.Intn(1000))
				case r < 0.5:
					sql = fmt.Sprintf("UPDATE bench SET v = 'val%d' WHERE k = %d", rand.Intn(1000), k)
				default:
					sql = fmt.Sprintf("SELECT v FROM bench WHERE k = %d", k)
				}

				code, msg, err := exec(sql)
				switch {
				case err == nil && code == http.StatusOK:
					atomic.AddInt64(&ops, 1)
				case code == http.StatusConflict:
					atomic.AddInt64(&conflicts, 1)
				case err == nil && strings.Contains(msg, "already exists"):
					// duplicate insert, still a completed round trip
					atomic.AddInt64(&ops, 1)
				default:
					if n := atomic.AddInt64(&errors, 1); n <= 5 {
						fmt.Printf("Error: %v %s (status %d)\n", err, msg, code)
					}
				}
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("Benchmark Finished.")
	fmt.Printf("Total Ops: %d\n", ops)
	fmt.Printf("Conflicts: %d\n", conflicts)
	fmt.Printf("Errors: %d\n", errors)
	fmt.Printf("Duration: %v\n", elapsed)
	fmt.Printf("RPS: %.2f\n", float64(ops)/elapsed.Seconds())
}
