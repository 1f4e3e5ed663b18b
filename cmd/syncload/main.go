package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"recordsync/pkg/restclient"
)

// syncload hammers one record of a running agent with concurrent edits and
// saves, then checks that the agent holds no locks afterwards.

type locksResp struct {
	Held    []json.RawMessage `json:"held"`
	Waiting []json.RawMessage `json:"waiting"`
}

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "agent base URL")
		kind     = flag.String("kind", "postType", "entity kind")
		name     = flag.String("name", "post", "entity name")
		id       = flag.String("id", "1", "record id every client edits")
		clients  = flag.Int("clients", 20, "number of concurrent clients")
		duration = flag.Duration("duration", 10*time.Second, "test duration")
		think    = flag.Duration("think", 5*time.Millisecond, "pause between iterations")
		creates  = flag.Float64("creates", 0.1, "probability an iteration creates a new record instead")
	)
	flag.Parse()

	c := restclient.New(*baseURL, &http.Client{Timeout: 30 * time.Second})
	itemPath := fmt.Sprintf("/v1/records/%s/%s/%s", *kind, *name, *id)
	collectionPath := fmt.Sprintf("/v1/records/%s/%s", *kind, *name)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		editOK    int64
		saveOK    int64
		createOK  int64
		remoteErr int64
		otherErr  int64

		latMu sync.Mutex
		lat   []time.Duration
	)

	countErr := func(err error) {
		var se *restclient.StatusError
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		case errors.As(err, &se) && se.Code >= 500:
			atomic.AddInt64(&remoteErr, 1)
		default:
			atomic.AddInt64(&otherErr, 1)
		}
	}

	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *clients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))

			for n := 0; ctx.Err() == nil; n++ {
				if rng.Float64() < *creates {
					_, err := c.Do(ctx, restclient.Request{
						Method: http.MethodPost,
						Path:   collectionPath,
						Data:   map[string]any{"title": fmt.Sprintf("load c-%d #%d", i, n)},
					})
					if err != nil {
						countErr(err)
					} else {
						atomic.AddInt64(&createOK, 1)
					}
					continue
				}

				_, err := c.Do(ctx, restclient.Request{
					Method: http.MethodPatch,
					Path:   itemPath + "/edits",
					Data:   map[string]any{"title": fmt.Sprintf("c-%d rev %d", i, n)},
				})
				if err != nil {
					countErr(err)
					continue
				}
				atomic.AddInt64(&editOK, 1)

				t0 := time.Now()
				_, err = c.Do(ctx, restclient.Request{Method: http.MethodPost, Path: itemPath + "/save"})
				if err != nil {
					countErr(err)
					continue
				}
				atomic.AddInt64(&saveOK, 1)
				latMu.Lock()
				lat = append(lat, time.Since(t0))
				latMu.Unlock()

				time.Sleep(*think)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Every lock must be back once all clients stopped.
	var leftover locksResp
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	body, err := c.Do(checkCtx, restclient.Request{Path: "/v1/locks"})
	if err == nil {
		err = json.Unmarshal(body, &leftover)
	}

	fmt.Println("=== recordsync contention test ===")
	fmt.Printf("duration: %s, clients: %d, record: %s\n", elapsed, *clients, itemPath)
	fmt.Printf("edits_ok:        %d\n", editOK)
	fmt.Printf("saves_ok:        %d\n", saveOK)
	fmt.Printf("creates_ok:      %d\n", createOK)
	fmt.Printf("remote_errors:   %d\n", remoteErr)
	fmt.Printf("other_errors:    %d\n", otherErr)
	fmt.Printf("save_p50:        %s\n", percentile(lat, 0.50))
	fmt.Printf("save_p99:        %s\n", percentile(lat, 0.99))
	if err != nil {
		fmt.Printf("locks_check:     failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("locks_held:      %d\n", len(leftover.Held))
	fmt.Printf("locks_waiting:   %d\n", len(leftover.Waiting))
	if len(leftover.Held) > 0 || len(leftover.Waiting) > 0 {
		os.Exit(1)
	}
}

func percentile(d []time.Duration, p float64) time.Duration {
	if len(d) == 0 {
		return 0
	}
	s := append([]time.Duration(nil), d...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s[int(p*float64(len(s)-1))]
}
