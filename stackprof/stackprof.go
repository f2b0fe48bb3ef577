// Package stackprof converts `perf script` output recorded on the database
// host into a pprof profile.
package stackprof

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"
)

const pageSize = 4096

var taskPattern = regexp.MustCompile(`^\d+(/\d+)?$`)

// Parser builds one profile out of perf script samples.
type Parser struct {
	profile   *profile.Profile
	functions map[string]*profile.Function
	locations map[string]*profile.Location
	mappings  map[string]*profile.Mapping
	ranges    map[string]*addressRange
	samples   map[string]*profile.Sample
	duration  time.Duration
}

type addressRange struct {
	min uint64
	max uint64
}

type header struct {
	comm  string
	task  string
	event string
	count int64
}

// New creates a parser. duration is the length of the recording and may be
// zero.
func New(duration time.Duration) *Parser {
	return &Parser{
		functions: make(map[string]*profile.Function),
		locations: make(map[string]*profile.Location),
		mappings:  make(map[string]*profile.Mapping),
		ranges:    make(map[string]*addressRange),
		samples:   make(map[string]*profile.Sample),
		duration:  duration,
	}
}

// Parse reads perf script text. Every sample is labelled with the command
// name and task id it was taken in, so a single process can be focused with
// pprof -tagfocus comm=mysqld.
func (p *Parser) Parse(r io.Reader) (*profile.Profile, error) {
	p.profile = &profile.Profile{
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: p.duration.Nanoseconds(),
		PeriodType:    &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:        1,
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		current *header
		stack   []*profile.Location
	)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' || line[0] == ' ' {
			if current == nil {
				continue
			}
			if loc := p.location(line); loc != nil {
				stack = append(stack, loc)
			}
			continue
		}

		if current != nil {
			p.add(current, stack)
		}
		h, err := parseHeader(line)
		if err != nil {
			return nil, err
		}
		current, stack = h, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read perf script output: %w", err)
	}
	if current != nil {
		p.add(current, stack)
	}

	p.finalizeMappings()
	return p.profile, nil
}

// parseHeader reads a sample header such as
//
//	mysqld  4242 [003] 7187035.622637:   10101010 cycles:ppp:
//
// The period is optional; without it each sample counts once.
func parseHeader(line string) (*header, error) {
	fields := strings.Fields(line)

	ts := -1
	for i, f := range fields {
		if !strings.HasSuffix(f, ":") {
			continue
		}
		if _, err := strconv.ParseFloat(strings.TrimSuffix(f, ":"), 64); err == nil {
			ts = i
			break
		}
	}
	if ts < 1 || ts == len(fields)-1 {
		return nil, fmt.Errorf("invalid sample header: %q", line)
	}

	h := &header{count: 1}

	// Walk back from the timestamp over the optional [cpu] to the task id.
	// Whatever precedes it is the command name, spaces included.
	end := ts
	for i := ts - 1; i > 0; i-- {
		if strings.HasPrefix(fields[i], "[") {
			end = i
			continue
		}
		if taskPattern.MatchString(fields[i]) {
			h.task = fields[i]
			end = i
		}
		break
	}
	h.comm = strings.Join(fields[:end], " ")

	rest := fields[ts+1:]
	if len(rest) > 1 {
		if v, err := strconv.ParseInt(rest[0], 10, 64); err == nil {
			h.count = v
		}
	}
	event := rest[len(rest)-1]
	if i := strings.Index(event, ":"); i > 0 {
		event = event[:i]
	}
	h.event = event
	return h, nil
}

// location parses one stack frame line:
//
//	ffffffffa1234567 function_name+0x12 (/path/to/binary)
func (p *Parser) location(line string) *profile.Location {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return nil
	}

	addr, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		addr = 0
	}

	// Demangled C++ symbols may contain spaces.
	symbol := parts[1:]
	binary := ""
	if last := parts[len(parts)-1]; len(parts) > 2 && strings.HasPrefix(last, "(") && strings.HasSuffix(last, ")") {
		binary = strings.TrimSuffix(strings.TrimPrefix(last, "("), ")")
		symbol = parts[1 : len(parts)-1]
	}
	name := strings.Join(symbol, " ")
	if i := strings.LastIndex(name, "+0x"); i > 0 {
		name = name[:i]
	}

	var mapping *profile.Mapping
	if binary != "" {
		mapping = p.mapping(binary)
		p.track(binary, addr)
	}

	key := fmt.Sprintf("%s:%s:%x", binary, name, addr)
	if loc, ok := p.locations[key]; ok {
		return loc
	}

	loc := &profile.Location{
		ID:      uint64(len(p.profile.Location) + 1),
		Mapping: mapping,
		Address: addr,
		Line:    []profile.Line{{Function: p.function(name)}},
	}
	p.locations[key] = loc
	p.profile.Location = append(p.profile.Location, loc)
	return loc
}

func (p *Parser) function(name string) *profile.Function {
	if fn, ok := p.functions[name]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(p.profile.Function) + 1),
		Name:       name,
		SystemName: name,
	}
	p.functions[name] = fn
	p.profile.Function = append(p.profile.Function, fn)
	return fn
}

func (p *Parser) mapping(file string) *profile.Mapping {
	if m, ok := p.mappings[file]; ok {
		return m
	}
	m := &profile.Mapping{
		ID:   uint64(len(p.profile.Mapping) + 1),
		File: file,
	}
	p.mappings[file] = m
	p.profile.Mapping = append(p.profile.Mapping, m)
	return m
}

func (p *Parser) track(file string, addr uint64) {
	if addr == 0 {
		return
	}
	r, ok := p.ranges[file]
	if !ok {
		p.ranges[file] = &addressRange{min: addr, max: addr}
		return
	}
	r.min = min(r.min, addr)
	r.max = max(r.max, addr)
}

func (p *Parser) finalizeMappings() {
	for file, m := range p.mappings {
		r, ok := p.ranges[file]
		if !ok {
			m.Start, m.Limit = 0, ^uint64(0)
			continue
		}
		m.Start = (r.min / pageSize) * pageSize
		m.Limit = ((r.max + pageSize) / pageSize) * pageSize
	}
}

// add merges a sample into the profile. Samples with the same stack, event
// and task share one entry.
func (p *Parser) add(h *header, stack []*profile.Location) {
	if len(stack) == 0 || h.count == 0 {
		return
	}

	idx := -1
	for i, st := range p.profile.SampleType {
		if st.Type == h.event {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.profile.SampleType = append(p.profile.SampleType, &profile.ValueType{Type: h.event, Unit: "count"})
		idx = len(p.profile.SampleType) - 1
		for _, s := range p.profile.Sample {
			s.Value = append(s.Value, 0)
		}
	}

	var key strings.Builder
	key.WriteString(h.comm)
	key.WriteByte(0)
	key.WriteString(h.task)
	for _, loc := range stack {
		key.WriteByte(0)
		key.WriteString(strconv.FormatUint(loc.ID, 10))
	}

	if s, ok := p.samples[key.String()]; ok {
		s.Value[idx] += h.count
		return
	}

	s := &profile.Sample{
		Location: stack,
		Value:    make([]int64, len(p.profile.SampleType)),
		Label:    map[string][]string{"comm": {h.comm}},
	}
	if h.task != "" {
		s.Label["task"] = []string{h.task}
	}
	s.Value[idx] = h.count
	p.samples[key.String()] = s
	p.profile.Sample = append(p.profile.Sample, s)
}

// ConvertFile parses the perf script text in src and writes a gzipped
// profile to dst.
func ConvertFile(src, dst string, duration time.Duration) (*profile.Profile, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	prof, err := New(duration).Parse(in)
	if err != nil {
		return nil, err
	}
	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if err := prof.Write(out); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to write profile: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to write profile: %w", err)
	}
	return prof, nil
}
