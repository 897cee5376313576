package main

import (
	"log"

	"lendledger/services/auditd"
)

func main() {
	if err := auditd.Main(); err != nil {
		log.Fatalf("auditd: %v", err)
	}
}
