package ssh

import (
	"bufio"
	"context"
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"time"
)

// FactsDir holds custom local facts, exposed as ansible_local.<name>.
const FactsDir = "/etc/ansible/facts.d"

const factScript = `printf 'system=%s\n' "$(uname -s)"
printf 'kernel=%s\n' "$(uname -r)"
printf 'machine=%s\n' "$(uname -m)"
printf 'hostname=%s\n' "$(hostname -s 2>/dev/null || hostname)"
printf 'fqdn=%s\n' "$(hostname -f 2>/dev/null || hostname)"
printf 'nproc=%s\n' "$(getconf _NPROCESSORS_ONLN 2>/dev/null || sysctl -n hw.ncpu 2>/dev/null)"
printf 'memtotal_kb=%s\n' "$(awk '/^MemTotal:/ {print $2}' /proc/meminfo 2>/dev/null)"
printf 'memsize=%s\n' "$(sysctl -n hw.memsize 2>/dev/null)"
printf 'user=%s\n' "$(id -un)"
printf 'macos_version=%s\n' "$(sw_vers -productVersion 2>/dev/null)"
sed 's/^/os_/' /etc/os-release 2>/dev/null
true`

// scriptFacts are the fact names produced by factScript.
var scriptFacts = []string{
	"ansible_architecture",
	"ansible_distribution",
	"ansible_distribution_version",
	"ansible_fqdn",
	"ansible_hostname",
	"ansible_kernel",
	"ansible_machine",
	"ansible_memtotal_mb",
	"ansible_nodename",
	"ansible_os_family",
	"ansible_processor_vcpus",
	"ansible_system",
	"ansible_user_id",
}

func setupModule(ctx context.Context, h *hostRun, args map[string]any) (map[string]any, error) {
	filters := factFilters(args["filter"])
	if _, ok := args["gather_timeout"]; ok {
		if secs, err := strconv.Atoi(strArg(args, "gather_timeout")); err == nil && secs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
			defer cancel()
		}
	}

	facts := map[string]any{}
	if anyMatch(filters, scriptFacts) {
		res, err := h.session.Exec(ctx, factScript, false)
		if err != nil {
			return nil, err
		}
		for k, v := range parseFactScript(res.Stdout) {
			facts[k] = v
		}
	}
	if anyMatch(filters, []string{"ansible_local"}) {
		local, err := gatherLocalFacts(ctx, h)
		if err != nil {
			return nil, err
		}
		facts["ansible_local"] = local
	}

	for k := range facts {
		if !matchFilter(filters, k) {
			delete(facts, k)
		}
	}
	return map[string]any{"ansible_facts": facts}, nil
}

func gatherLocalFacts(ctx context.Context, h *hostRun) (map[string]any, error) {
	local := map[string]any{}
	files, err := h.session.ReadDir(ctx, FactsDir, h.become)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if !strings.HasSuffix(f, ".fact") {
			continue
		}
		data, err := h.session.ReadFile(ctx, f, h.become)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(path.Base(f), ".fact")
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			local[name] = strings.TrimSpace(string(data))
			continue
		}
		local[name] = v
	}
	return local, nil
}

func parseFactScript(out string) map[string]any {
	raw := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		raw[k] = strings.Trim(v, `"`)
	}

	facts := map[string]any{
		"ansible_system":       raw["system"],
		"ansible_kernel":       raw["kernel"],
		"ansible_machine":      raw["machine"],
		"ansible_architecture": raw["machine"],
		"ansible_hostname":     raw["hostname"],
		"ansible_nodename":     raw["hostname"],
		"ansible_fqdn":         raw["fqdn"],
		"ansible_user_id":      raw["user"],
	}
	if n, err := strconv.Atoi(raw["nproc"]); err == nil {
		facts["ansible_processor_vcpus"] = n
	}
	if kb, err := strconv.Atoi(raw["memtotal_kb"]); err == nil {
		facts["ansible_memtotal_mb"] = kb / 1024
	} else if b, err := strconv.ParseInt(raw["memsize"], 10, 64); err == nil {
		facts["ansible_memtotal_mb"] = int(b / 1024 / 1024)
	}

	switch raw["system"] {
	case "Darwin":
		facts["ansible_distribution"] = "MacOSX"
		facts["ansible_distribution_version"] = raw["macos_version"]
		facts["ansible_os_family"] = "Darwin"
	default:
		facts["ansible_distribution"] = distributionName(raw["os_ID"], raw["os_NAME"])
		facts["ansible_distribution_version"] = raw["os_VERSION_ID"]
		facts["ansible_os_family"] = osFamily(raw["os_ID"], raw["os_ID_LIKE"])
	}
	return facts
}

var distributions = map[string]string{
	"ubuntu":    "Ubuntu",
	"debian":    "Debian",
	"centos":    "CentOS",
	"rhel":      "RedHat",
	"fedora":    "Fedora",
	"rocky":     "Rocky",
	"almalinux": "AlmaLinux",
	"amzn":      "Amazon",
	"alpine":    "Alpine",
	"arch":      "Archlinux",
	"opensuse":  "openSUSE",
}

func distributionName(id, name string) string {
	if d, ok := distributions[id]; ok {
		return d
	}
	if f := strings.Fields(name); len(f) > 0 {
		return f[0]
	}
	return "NA"
}

func osFamily(id, like string) string {
	for _, candidate := range append([]string{id}, strings.Fields(like)...) {
		switch candidate {
		case "debian", "ubuntu":
			return "Debian"
		case "rhel", "fedora", "centos", "rocky", "almalinux", "amzn":
			return "RedHat"
		case "alpine":
			return "Alpine"
		case "arch":
			return "Archlinux"
		case "suse", "opensuse":
			return "Suse"
		}
	}
	return distributionName(id, "")
}

func factFilters(v any) []string {
	switch f := v.(type) {
	case string:
		if f == "" {
			return nil
		}
		return []string{f}
	case []any:
		var out []string
		for _, item := range f {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return f
	}
	return nil
}

func matchFilter(filters []string, name string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if ok, _ := path.Match(f, name); ok {
			return true
		}
	}
	return false
}

func anyMatch(filters, names []string) bool {
	for _, n := range names {
		if matchFilter(filters, n) {
			return true
		}
	}
	return false
}
