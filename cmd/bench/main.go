package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// bench spreads PUT+GET pairs over one or more nodes. Keys that a node does
// not own are forwarded, so a single -addrs entry still exercises routing.
func main() {
	addrs := flag.String("addrs", "http://localhost:8080", "comma separated node addresses")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "value size bytes")
	flag.Parse()

	targets := strings.Split(*addrs, ",")
	client := &http.Client{Timeout: 5 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)
	var failed, misses atomic.Int64

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()
			base := targets[i%len(targets)]
			key := fmt.Sprintf("k%d", i)
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)

			req, _ := http.NewRequest(http.MethodPut, base+"/kv/"+key, bytes.NewReader(payload))
			resp, err := client.Do(req)
			if err != nil || resp.StatusCode != http.StatusNoContent {
				failed.Add(1)
			}
			drain(resp)

			// read back through another node to cross the ring
			resp, err = client.Get(targets[(i+1)%len(targets)] + "/kv/" + key)
			switch {
			case err != nil:
				failed.Add(1)
			case resp.StatusCode == http.StatusNotFound:
				misses.Add(1)
			case resp.StatusCode != http.StatusOK:
				failed.Add(1)
			}
			drain(resp)
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s), %d failed, %d misses\n",
		*n*2, dur, float64(*n*2)/dur.Seconds(), failed.Load(), misses.Load())
}

func drain(resp *http.Response) {
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
