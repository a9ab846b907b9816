// unlockctl is the member-side CLI: it buys or renews lock keys and fetches
// signed content URLs from a broker.
//
// Usage:
//
//	unlockctl keygen   --out wallet.key
//	unlockctl status   --key wallet.key [--config broker.yaml]
//	unlockctl purchase --key wallet.key [--config broker.yaml]
//	unlockctl renew    --key wallet.key [--config broker.yaml]
//	unlockctl content  --broker http://localhost:8080 --key wallet.key videos/intro.mp4
//	unlockctl health   --broker http://localhost:8080
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/maybehotcarl/unlock-broker/pkg/client/api"
	"github.com/maybehotcarl/unlock-broker/pkg/config"
	"github.com/maybehotcarl/unlock-broker/pkg/membership"
	"github.com/maybehotcarl/unlock-broker/pkg/orchestrator"
	"github.com/maybehotcarl/unlock-broker/pkg/unlockerr"
	"github.com/maybehotcarl/unlock-broker/pkg/wallet"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "keygen":
		cmdKeygen(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "purchase":
		cmdTransact("purchase", os.Args[2:])
	case "renew":
		cmdTransact("renew", os.Args[2:])
	case "content":
		cmdContent(os.Args[2:])
	case "health":
		cmdHealth(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Unlock Broker Client

Usage:
  unlockctl <command> [flags]

Commands:
  keygen       Generate a new Ethereum wallet
  status       Check the wallet's membership on-chain
  purchase     Approve USDC if needed and buy a key
  renew        Approve USDC if needed and extend the wallet's key
  content      Request a signed URL for a file from the broker
  health       Check broker health

Flags (status/purchase/renew):
  --broker       (status) ask a broker instead of the chain
  --config       Path to config file (network, lock, token, price)
  --key          Path to wallet key file
  --wallet-rpc   Wallet JSON-RPC endpoint for chain switching (optional)
  --timeout      Overall deadline (default: 5m)

Flags (content/health):
  --broker     Broker URL (default: http://localhost:8080)`)
}

func loadConfig(path string) *config.Config {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	return cfg
}

func loadWallet(path, walletRPC string) *wallet.Wallet {
	if path == "" {
		log.Fatal("--key is required (use 'unlockctl keygen' to create one)")
	}
	w, err := wallet.FromKeyFile(path)
	if err != nil {
		log.Fatalf("Failed to load wallet: %v", err)
	}
	if walletRPC != "" {
		provider, err := rpc.Dial(walletRPC)
		if err != nil {
			log.Fatalf("Failed to connect to wallet provider: %v", err)
		}
		w = w.WithProvider(provider)
	}
	return w
}

func cmdKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	outFile := fs.String("out", "", "Output file for private key")
	fs.Parse(args)

	w, err := wallet.Generate()
	if err != nil {
		log.Fatalf("Key generation failed: %v", err)
	}

	fmt.Printf("Address: %s\n", w.AddressHex())

	if *outFile != "" {
		if err := w.SaveKeyFile(*outFile); err != nil {
			log.Fatalf("Failed to save key: %v", err)
		}
		fmt.Printf("Private key saved to: %s\n", *outFile)
	} else {
		fmt.Printf("Private key: %s\n", w.PrivateKeyHex())
		fmt.Println("(Use --out <file> to save to a file)")
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	keyFile := fs.String("key", "", "Path to wallet private key file")
	address := fs.String("address", "", "Check this address instead of the key's")
	broker := fs.String("broker", "", "Ask this broker instead of reading the chain")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall deadline")
	fs.Parse(args)

	var who common.Address
	switch {
	case *address != "":
		if !common.IsHexAddress(*address) {
			log.Fatalf("Invalid address: %s", *address)
		}
		who = common.HexToAddress(*address)
	default:
		who = loadWallet(*keyFile, "").Address()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *broker != "" {
		status, err := api.NewClient(*broker).Membership(ctx, who.Hex())
		if err != nil {
			log.Fatalf("Membership check failed: %v", err)
		}
		fmt.Printf("%s: %s\n", who.Hex(), status)
		return
	}

	cfg := loadConfig(*configPath)
	if err := cfg.ValidateChain(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	client, err := ethclient.Dial(cfg.Network.RPCURL)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.Network.RPCURL, err)
	}
	defer client.Close()

	checkChain(ctx, client, cfg)

	verifier, err := membership.New(client, membership.ContractRef{
		Address: cfg.Lock(),
		ChainID: cfg.Network.ChainIDBig(),
	}, quietLogger())
	if err != nil {
		log.Fatal(err)
	}

	status, err := verifier.Verify(ctx, []common.Address{who})
	if err != nil {
		log.Fatalf("Membership check failed: %v", err)
	}
	fmt.Printf("%s: %s (lock %s)\n", who.Hex(), status, verifier.Contract())
}

// checkChain exits unless the RPC endpoint serves the configured network.
func checkChain(ctx context.Context, client *ethclient.Client, cfg *config.Config) {
	if err := cfg.Network.CheckRPC(ctx, client); err != nil {
		log.Fatalf("Refusing to continue with %s: %v", cfg.Network.RPCURL, err)
	}
}

func cmdTransact(action string, args []string) {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	keyFile := fs.String("key", "", "Path to wallet private key file")
	walletRPC := fs.String("wallet-rpc", "", "Wallet JSON-RPC endpoint for chain switching")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall deadline, including approval confirmation")
	verbose := fs.BoolP("verbose", "v", false, "Log each step")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	if err := cfg.ValidatePayment(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	w := loadWallet(*keyFile, *walletRPC)

	client, err := ethclient.Dial(cfg.Network.RPCURL)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.Network.RPCURL, err)
	}
	defer client.Close()

	logger := quietLogger()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	orch, err := orchestrator.New(client, cfg.Network, logger)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	checkChain(ctx, client, cfg)

	fmt.Printf("Wallet: %s\n", w.AddressHex())
	fmt.Printf("Lock:   %s (%s USDC)\n", cfg.Lock().Hex(), cfg.KeyPrice)

	var hash common.Hash
	if action == "renew" {
		hash, err = orch.Renew(ctx, w, orchestrator.RenewIntent(cfg, w.Address()))
	} else {
		hash, err = orch.Purchase(ctx, w, orchestrator.PurchaseIntent(cfg, w.Address()))
	}
	if err != nil {
		var revert *orchestrator.RevertError
		switch {
		case errors.As(err, &revert) && unlockerr.Known(revert.Data):
			log.Fatalf("Transaction rejected: %s", revert.Reason)
		case errors.As(err, &revert):
			log.Fatalf("%s reverted with unrecognized data %s", revert.Method, revert.Data)
		case errors.Is(err, orchestrator.ErrNetworkMismatch):
			log.Fatalf("Wrong network, switch to %s: %v", cfg.Network.Name, err)
		case errors.Is(err, orchestrator.ErrAllowanceFailure):
			log.Fatalf("USDC approval failed: %v", err)
		default:
			log.Fatalf("%s failed: %v", action, err)
		}
	}

	fmt.Printf("Submitted %s: %s\n", action, hash.Hex())
	if cfg.Network.ExplorerURL != "" {
		fmt.Printf("  %s/tx/%s\n", cfg.Network.ExplorerURL, hash.Hex())
	}
}

func cmdContent(args []string) {
	fs := flag.NewFlagSet("content", flag.ExitOnError)
	broker := fs.String("broker", "http://localhost:8080", "Broker URL")
	keyFile := fs.String("key", "", "Path to wallet private key file")
	extra := fs.StringSlice("address", nil, "Additional wallet addresses, checked after the key's")
	fs.Parse(args)

	if fs.NArg() != 1 {
		log.Fatal("usage: unlockctl content [flags] <file>")
	}
	w := loadWallet(*keyFile, "")

	addresses := append([]string{w.AddressHex()}, *extra...)

	client := api.NewClient(*broker)
	resp, err := client.Content(context.Background(), fs.Arg(0), addresses...)
	if err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			log.Fatalf("Broker refused request: %s", apiErr.Message)
		}
		log.Fatalf("Content request failed: %v", err)
	}
	fmt.Println(resp.URL)
}

func cmdHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	broker := fs.String("broker", "http://localhost:8080", "Broker URL")
	fs.Parse(args)

	client := api.NewClient(*broker)
	health, err := client.Health(context.Background())
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	fmt.Println("Broker health:")
	for k, v := range health {
		fmt.Printf("  %s: %v\n", k, v)
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}
