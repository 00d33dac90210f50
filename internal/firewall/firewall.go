package firewall

import (
	"sort"
	"sync"

	"nextgen-credit/pkg/utils"

	"go.uber.org/zap"
)

// Firewall blocks addresses after repeated authentication failures.
type Firewall struct {
	mu          sync.RWMutex
	limit       int
	blacklisted map[string]bool
	failedAuths map[string]int
	logger      *zap.Logger
}

func NewFirewall(limit int, logger *zap.Logger) *Firewall {
	if limit <= 0 {
		limit = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Firewall{
		limit:       limit,
		blacklisted: make(map[string]bool),
		failedAuths: make(map[string]int),
		logger:      logger.Named("firewall"),
	}
}

func (f *Firewall) IsAllowed(ip string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.blacklisted[ip]
}

// RecordFailedAuth counts a failure and reports whether ip is now blocked.
func (f *Firewall) RecordFailedAuth(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failedAuths[ip]++
	if f.failedAuths[ip] >= f.limit && !f.blacklisted[ip] {
		f.blacklisted[ip] = true
		utils.FirewallBlocks.Inc()
		f.logger.Warn("address blocked after failed authentications",
			zap.String("ip", ip),
			zap.Int("failures", f.failedAuths[ip]))
	}
	return f.blacklisted[ip]
}

// RecordSuccess clears the failure count of an address that is not blocked.
func (f *Firewall) RecordSuccess(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.blacklisted[ip] {
		delete(f.failedAuths, ip)
	}
}

// Unblock lifts a block and forgets the failure count. It reports whether
// the address was blocked.
func (f *Firewall) Unblock(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	blocked := f.blacklisted[ip]
	delete(f.blacklisted, ip)
	delete(f.failedAuths, ip)
	return blocked
}

func (f *Firewall) GetBlacklist() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	list := make([]string, 0, len(f.blacklisted))
	for ip := range f.blacklisted {
		list = append(list, ip)
	}
	sort.Strings(list)
	return list
}
