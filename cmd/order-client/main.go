package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pbook/pkg/api"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "node API base URL")
	from := flag.String("from", "btc", "coin offered")
	to := flag.String("to", "eth", "coin wanted")
	fromAmount := flag.String("from-amount", "1", "amount offered")
	toAmount := flag.String("to-amount", "1", "amount wanted")
	id := flag.Int64("id", time.Now().UnixNano()%(1<<32), "client order reference")
	flag.Parse()

	fa, err := decimal.NewFromString(*fromAmount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -from-amount: %v\n", err)
		os.Exit(2)
	}
	ta, err := decimal.NewFromString(*toAmount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -to-amount: %v\n", err)
		os.Exit(2)
	}

	req := api.SubmitOrderRequest{
		ID:         *id,
		FromCoin:   *from,
		FromAmount: fa,
		ToCoin:     *to,
		ToAmount:   ta,
	}
	body, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Submitting order %d: %s %s -> %s %s\n", req.ID, fa, req.FromCoin, ta, req.ToCoin)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(*apiURL+"/api/v1/orders", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("HTTP %d\n%s", resp.StatusCode, out)
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
