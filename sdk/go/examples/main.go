package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"CrossChain-Escrow/sdk/go/escrowd"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "escrowd 地址")
	principal := flag.String("principal", "owner.near", "header 模式下的调用主体")
	token := flag.String("token", "", "token 模式下的访问令牌")
	secret := flag.String("secret", "demo-secret", "哈希锁原像")
	flag.Parse()

	client, err := escrowd.NewClient(*baseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client.SetPrincipal(*principal)
	client.SetAccessToken(*token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := client.CreateSrc(ctx, escrowd.SrcRequest{
		Order: escrowd.Order{Maker: "maker.near", MakingAmount: "100", TakingAmount: "100"},
		TimeLocks: escrowd.TimeLocks{
			SrcWithdrawal: 60, SrcPublicWithdrawal: 120, SrcCancellation: 300, SrcPublicCancellation: 600,
		},
		Taker:      "taker.near",
		Amount:     "100",
		SecretHash: crypto.Keccak256Hash([]byte(*secret)).Hex(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("created source escrow %d\n", id)

	view, err := client.Escrow(ctx, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("escrow %d at %s: status=%s window=%s\n", id, view.Record.Address, view.Record.Status, view.Window)
}
