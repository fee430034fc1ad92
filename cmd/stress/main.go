// Command stress fires concurrent purchases at a running server, one per
// synthetic buyer, and prints how the attempts were decided.  Run it
// against a product with known stock: the success count must never exceed
// that stock.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"

	"github.com/iliyamo/seckill/internal/utils"
)

type outcome struct {
	Error string `json:"error"`
}

type receipt struct {
	OrderID   string `json:"order_id"`
	StockLeft int64  `json:"stock_left"`
}

func main() {
	_ = godotenv.Load()

	base := flag.String("url", "http://localhost:8080", "server base URL")
	product := flag.Uint64("product", 1, "product id to buy")
	buyers := flag.Int("buyers", 200, "number of distinct buyers")
	firstBuyer := flag.Uint64("first-buyer", 100000, "id of the first synthetic buyer")
	qty := flag.Int64("qty", 1, "units per purchase")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (default $JWT_SECRET)")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	flag.Parse()

	client := resty.New().
		SetBaseURL(*base).
		SetTimeout(*timeout).
		SetHeader("Content-Type", "application/json")

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		units  int64
		wg     sync.WaitGroup
		start  = make(chan struct{})
	)
	record := func(k string, n int64) {
		mu.Lock()
		counts[k]++
		units += n
		mu.Unlock()
	}

	for i := 0; i < *buyers; i++ {
		tok, err := utils.NewAccessToken(*secret, *firstBuyer+uint64(i), "BUYER", time.Hour)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stress:", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			<-start
			var ok receipt
			var fail outcome
			resp, err := client.R().
				SetAuthToken(token).
				SetBody(map[string]any{"product_id": *product, "quantity": *qty}).
				SetResult(&ok).
				SetError(&fail).
				Post("/v1/seckill")
			switch {
			case err != nil:
				record("transport_error", 0)
			case resp.IsSuccess():
				record("success", *qty)
			case fail.Error != "":
				record(fail.Error, 0)
			default:
				record(fmt.Sprintf("http_%d", resp.StatusCode()), 0)
			}
		}(tok.Token)
	}

	began := time.Now()
	close(start)
	wg.Wait()
	elapsed := time.Since(began)

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%d buyers, product %d, %s\n", *buyers, *product, elapsed.Round(time.Millisecond))
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, counts[k])
	}
	fmt.Printf("  units sold           %d\n", units)
}
