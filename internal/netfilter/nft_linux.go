//go:build linux

package netfilter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// NFTProvider drives the nft binary. Every Apply is a single `nft -f -`
// invocation, so the kernel sees the table swap as one transaction.
type NFTProvider struct {
	timeout time.Duration
}

func NewNFTProvider() *NFTProvider {
	return &NFTProvider{timeout: 10 * time.Second}
}

// Available reports whether nft can be invoked at all.
func (p *NFTProvider) Available() bool {
	_, err := exec.LookPath("nft")
	return err == nil
}

func (p *NFTProvider) Apply(table, script string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nft", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nft apply table %s: %w: %s", table, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (p *NFTProvider) Delete(table string) error {
	exists, err := p.Exists(table)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "nft", "delete", "table", "inet", table)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Lost the race with another delete; absence is the goal.
		if strings.Contains(stderr.String(), "No such file or directory") {
			return nil
		}
		return fmt.Errorf("nft delete table %s: %w: %s", table, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (p *NFTProvider) Exists(table string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nft", "list", "tables", "inet").Output()
	if err != nil {
		return false, fmt.Errorf("nft list tables: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "table" && fields[2] == table {
			return true, nil
		}
	}
	return false, nil
}

var _ Provider = (*NFTProvider)(nil)
