//go:build linux

package server

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	somaxconnPath = "/proc/sys/net/core/somaxconn"
	netstatPath   = "/proc/net/netstat"

	// Below this the kernel queue can overflow during a reconnect storm
	minSomaxconn = 4096

	overflowPollInterval = 10 * time.Second
)

// logListenBacklog reports the kernel accept queue limit for the HTTP listener
func logListenBacklog(addr string) {
	somaxconn := readProcInt(somaxconnPath)
	log.Printf("HTTP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < minSomaxconn {
		log.Printf("WARNING: net.core.somaxconn=%d may be too low for bursts of WebSocket upgrades", somaxconn)
	}
}

func readProcInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

// monitorListenOverflows polls the kernel's ListenOverflows counter and
// feeds new overflows into roomrelay_listen_overflows_total
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(overflowPollInterval)
	defer ticker.Stop()

	last, _ := readListenOverflows()
	for {
		select {
		case <-ticker.C:
			current, ok := readListenOverflows()
			if !ok {
				continue
			}
			last = s.recordListenOverflows(last, current)
		case <-s.shutdown:
			return
		}
	}
}

// recordListenOverflows accounts for the overflows since last and returns
// the new baseline. A counter that went backwards resets the baseline.
func (s *Server) recordListenOverflows(last, current uint64) uint64 {
	if current > last {
		delta := current - last
		s.metrics.RecordListenOverflows(delta)
		log.Printf("WARNING: %d connection(s) rejected due to listen backlog overflow (total: %d)", delta, current)
	}
	return current
}

func readListenOverflows() (uint64, bool) {
	file, err := os.Open(netstatPath)
	if err != nil {
		return 0, false
	}
	defer file.Close()
	return parseListenOverflows(file)
}

// parseListenOverflows extracts ListenOverflows from /proc/net/netstat
// content, where TcpExt appears as a header line followed by a value line
func parseListenOverflows(r io.Reader) (uint64, bool) {
	scanner := bufio.NewScanner(r)
	var headers, values []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
			continue
		}
		values = fields[1:]
		break
	}

	for i, header := range headers {
		if header != "ListenOverflows" || i >= len(values) {
			continue
		}
		n, err := strconv.ParseUint(values[i], 10, 64)
		return n, err == nil
	}
	return 0, false
}
