// Package envfilter drops environment entries that must not survive a
// security-context transition. It is invoked once, immediately before the
// entry protocol replaces the process image with a target binary that runs
// unconfined; letting a linker or libc tunable slip through at that point is
// a local-privilege-escalation bug, not a cosmetic one.
package envfilter

import "strings"

// The kernel uses 32*PAGE_SIZE as the maximum size for a single environment
// definition. Anything at or above the bound is treated as non-terminated
// garbage and dropped.
const maxEntryLen = 32 * 4096

// Variables that must not be inherited across a security transition, e.g.
// into a setuid-equivalent program or through a MAC domain change. Exact,
// case-sensitive names. LD_PRELOAD is deliberately absent: the entry protocol
// installs its own preload chain and owns that variable.
var unsafeNames = []string{
	"ANDROID_DNS_MODE",
	"GCONV_PATH",
	"GETCONF_DIR",
	"HOSTALIASES",
	"JE_MALLOC_CONF",
	"LD_AOUT_LIBRARY_PATH",
	"LD_AOUT_PRELOAD",
	"LD_AUDIT",
	"LD_CONFIG_FILE",
	"LD_DEBUG",
	"LD_DEBUG_OUTPUT",
	"LD_DYNAMIC_WEAK",
	"LD_LIBRARY_PATH",
	"LD_ORIGIN_PATH",
	"LD_PROFILE",
	"LD_SHOW_AUXV",
	"LD_USE_LOAD_BIAS",
	"LIBC_DEBUG_MALLOC_OPTIONS",
	"LIBC_HOOKS_ENABLE",
	"LOCALDOMAIN",
	"LOCPATH",
	"MALLOC_CHECK_",
	"MALLOC_CONF",
	"MALLOC_TRACE",
	"NIS_PATH",
	"NLSPATH",
	"RESOLV_HOST_CONF",
	"RES_OPTIONS",
	"SCUDO_OPTIONS",
	"TMPDIR",
	"TZDIR",
}

// wellFormed reports whether the entry terminates within the kernel bound and
// contains a '=' at index >= 1. Ill-formed entries are dropped entirely,
// never repaired.
func wellFormed(entry string) bool {
	if len(entry) >= maxEntryLen {
		return false
	}
	return strings.IndexByte(entry, '=') >= 1
}

// unsafeName reports whether the name segment (bytes before the first '=')
// exactly matches a deny-listed name. A name that is a strict prefix of a
// deny-listed name, or vice versa, does not match. Callers must have
// established well-formedness first: this assumes a '=' exists.
func unsafeName(entry string) bool {
	name := entry[:strings.IndexByte(entry, '=')]
	for _, denied := range unsafeNames {
		if name == denied {
			return true
		}
	}
	return false
}

// Sanitize filters env in place, keeping only well-formed, safe entries in
// their original relative order. Surviving entries are moved by reference
// into the front of the same backing array; the returned slice is the
// truncated result. Each entry is judged independently, so a bad entry never
// shadows later good ones.
func Sanitize(env []string) []string {
	kept := env[:0]
	for _, entry := range env {
		if !wellFormed(entry) {
			continue
		}
		if unsafeName(entry) {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}
