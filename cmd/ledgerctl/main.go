package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"lendledger/cmd/internal/passphrase"
	"lendledger/crypto"
	"lendledger/ledger"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("LEDGER_RPC_TOKEN")

const defaultKeystorePath = "ledger.keystore"

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "gen-key":
		path := defaultKeystorePath
		if len(args) >= 2 {
			path = args[1]
		}
		generateKey(path)
	case "address":
		path := defaultKeystorePath
		if len(args) >= 2 {
			path = args[1]
		}
		showAddress(path)
	case "deposit":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a from address, an asset and an amount.")
			printUsage()
			return
		}
		deposit(args[1], args[2], args[3])
	case "withdraw":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a from address, an asset and an amount.")
			printUsage()
			return
		}
		withdraw(args[1], args[2], args[3])
	case "borrow":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a borrower address and an amount.")
			printUsage()
			return
		}
		borrow(args[1], args[2])
	case "repay":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a borrower address and an amount.")
			printUsage()
			return
		}
		attached := args[2]
		if len(args) >= 4 {
			attached = args[3]
		}
		repay(args[1], args[2], attached)
	case "liquidate":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a liquidator address, a target address and an attached payment.")
			printUsage()
			return
		}
		liquidate(args[1], args[2], args[3])
	case "balance":
		if len(args) < 3 {
			fmt.Println("Error: Please provide an address and an asset.")
			printUsage()
			return
		}
		getBalance(args[1], args[2])
	case "balances":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getBalances(args[1])
	case "ratio":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getRatio(args[1])
	case "position":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getPosition(args[1])
	default:
		fmt.Printf("Error: Unknown command '%s'\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func generateKey(path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Error: %s already exists. Move it aside before generating a new key.\n", path)
		return
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Printf("Error generating key: %v\n", err)
		return
	}
	pass, err := passphrase.NewSource("LEDGER_KEYSTORE_PASS").Get()
	if err != nil {
		fmt.Printf("Error reading passphrase: %v\n", err)
		return
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		fmt.Printf("Error saving keystore: %v\n", err)
		return
	}
	fmt.Printf("Generated new key and saved to %s\n", path)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely. The passphrase is required to recover the key.")
}

func showAddress(path string) {
	pass, err := passphrase.NewSource("LEDGER_KEYSTORE_PASS").Get()
	if err != nil {
		fmt.Printf("Error reading passphrase: %v\n", err)
		return
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("Error: keystore %s not found. run ./ledgerctl gen-key first\n", path)
			return
		}
		fmt.Printf("Error loading keystore: %v\n", err)
		return
	}
	fmt.Println(key.PubKey().Address().String())
}

func deposit(from, asset, amount string) {
	param := map[string]string{"from": from, "asset": asset, "amount": amount}
	// Base deposits carry the funds with the call, so the attached payment
	// mirrors the amount. Collateral moves through custody instead.
	if kind, err := ledger.ParseAssetKind(asset); err == nil && kind == ledger.AssetBase {
		param["attached"] = amount
	}
	result, err := callLedgerRPC("ledger_deposit", param, true)
	if err != nil {
		fmt.Printf("Error depositing: %v\n", err)
		return
	}
	printJSONResult(result)
}

func withdraw(from, asset, amount string) {
	param := map[string]string{"from": from, "asset": asset, "amount": amount}
	result, err := callLedgerRPC("ledger_withdraw", param, true)
	if err != nil {
		fmt.Printf("Error withdrawing: %v\n", err)
		return
	}
	printJSONResult(result)
}

func borrow(borrower, amount string) {
	param := map[string]string{"borrower": borrower, "amount": amount}
	result, err := callLedgerRPC("ledger_borrow", param, true)
	if err != nil {
		fmt.Printf("Error borrowing: %v\n", err)
		return
	}
	printJSONResult(result)
}

func repay(borrower, amount, attached string) {
	param := map[string]string{"borrower": borrower, "amount": amount, "attached": attached}
	result, err := callLedgerRPC("ledger_repay", param, true)
	if err != nil {
		fmt.Printf("Error repaying: %v\n", err)
		return
	}
	printJSONResult(result)
}

func liquidate(liquidator, target, attached string) {
	param := map[string]string{"liquidator": liquidator, "target": target, "attached": attached}
	result, err := callLedgerRPC("ledger_liquidate", param, true)
	if err != nil {
		fmt.Printf("Error liquidating: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getBalance(addr, asset string) {
	param := map[string]string{"address": addr, "asset": asset}
	result, err := callLedgerRPC("ledger_getBalance", param, false)
	if err != nil {
		fmt.Printf("Error fetching balance: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getBalances(addr string) {
	result, err := callLedgerRPC("bank_getBalance", addr, false)
	if err != nil {
		fmt.Printf("Error fetching balances: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getRatio(addr string) {
	result, err := callLedgerRPC("ledger_getCollateralRatio", addr, false)
	if err != nil {
		fmt.Printf("Error fetching collateral ratio: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getPosition(addr string) {
	result, err := callLedgerRPC("ledger_getPosition", addr, false)
	if err != nil {
		fmt.Printf("Error fetching position: %v\n", err)
		return
	}
	printJSONResult(result)
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires LEDGER_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func callLedgerRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{"id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("error from node: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func printJSONResult(result json.RawMessage) {
	if len(result) == 0 {
		fmt.Println("No result.")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(buf.String())
}

func printUsage() {
	fmt.Println("Usage: ledgerctl [--rpc <endpoint>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Mutating commands authenticate with a bearer token read from LEDGER_RPC_TOKEN.")
	fmt.Println("Keystore commands read the passphrase from LEDGER_KEYSTORE_PASS or prompt for it.")
	fmt.Println("Commands:")
	fmt.Println("  gen-key [path]                          - Generates a new key and saves an encrypted keystore")
	fmt.Println("  address [path]                          - Prints the address held in a keystore")
	fmt.Println("  deposit <from> <asset> <amount>         - Deposits into the collateral or base table")
	fmt.Println("  withdraw <from> <asset> <amount>        - Withdraws a balance (amount 0 withdraws everything)")
	fmt.Println("  borrow <borrower> <amount>              - Draws a loan (amount 0 borrows the maximum)")
	fmt.Println("  repay <borrower> <amount> [attached]    - Repays a loan; attached defaults to the amount")
	fmt.Println("  liquidate <liquidator> <target> <attached> - Liquidates an undercollateralised position")
	fmt.Println("  balance <address> <asset>               - Previews a balance with pending interest")
	fmt.Println("  balances <address>                      - Prints every table balance for an address")
	fmt.Println("  ratio <address>                         - Previews the collateral ratio")
	fmt.Println("  position <address>                      - Prints the full position snapshot")
}
