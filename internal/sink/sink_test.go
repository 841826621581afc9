package sink

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ts0 = time.Date(2025, 1, 23, 19, 17, 21, 0, time.UTC)

func TestMemory(t *testing.T) {
	m := NewMemory()
	m.Set("gps.satellites", 18, ts0)
	m.Set("gps.satellites", 17, ts0.Add(time.Second))
	m.Set("info.connection", true, ts0)

	v, ok := m.Get("gps.satellites")
	if !ok || v.Val != 17 || v.TS != ts0.Add(time.Second).UnixMilli() {
		t.Fatalf("unexpected value %+v", v)
	}

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries", len(snap))
	}
	snap["gps.satellites"] = Value{}
	if v, _ := m.Get("gps.satellites"); v.Val != 17 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestMulti_CallsAllAndJoinsErrors(t *testing.T) {
	errA := errors.New("a")
	var got []string
	m := Multi{
		Func(func(id string, _ any, _ time.Time) error {
			got = append(got, "1:"+id)
			return errA
		}),
		Func(func(id string, _ any, _ time.Time) error {
			got = append(got, "2:"+id)
			return nil
		}),
	}
	err := m.Set("gps.hdop", 0.7, ts0)
	if !errors.Is(err, errA) {
		t.Fatalf("err=%v", err)
	}
	if !slices.Equal(got, []string{"1:gps.hdop", "2:gps.hdop"}) {
		t.Fatalf("got %v", got)
	}
	if err := (Multi{}).Set("x", 1, ts0); err != nil {
		t.Fatalf("empty multi err=%v", err)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{true, "1"},
		{false, "0"},
		{18, "18"},
		{43.527715, "43.527715"},
		{-4.7, "-4.7"},
		{"2D", "2D"},
		{int64(1737659841000), "1737659841000"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := FormatValue(tc.in); got != tc.want {
			t.Fatalf("FormatValue(%v)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestRecorder_WritesRows(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(RecorderConfig{Enabled: true, Path: dir})
	defer r.Close()

	if err := r.Set("gps.latitude", 43.527715, ts0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := r.Set("info.connection", true, ts0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	rows := readCSV(t, r.Path())
	want := [][]string{
		csvHeader,
		{"2025-01-23T19:17:21Z", "gps.latitude", "43.527715"},
		{"2025-01-23T19:17:21Z", "info.connection", "1"},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows=%q", rows)
	}
	for i := range want {
		if !slices.Equal(rows[i], want[i]) {
			t.Fatalf("row %d=%q want %q", i, rows[i], want[i])
		}
	}
}

func TestRecorder_Rotates(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(RecorderConfig{Enabled: true, Path: dir, MaxRows: 2})
	defer r.Close()
	clk := ts0
	r.now = func() time.Time {
		clk = clk.Add(time.Second)
		return clk
	}

	for i := 0; i < 5; i++ {
		if err := r.Set("gps.satellites", i, ts0); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}
	files, err := filepath.Glob(filepath.Join(dir, "gps_*.csv"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("files=%v want 3", files)
	}
	if rows := readCSV(t, r.Path()); len(rows) != 2 {
		t.Fatalf("last file rows=%d want header+1", len(rows))
	}
}

func TestRecorder_Disabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	r := NewRecorder(RecorderConfig{Path: dir})
	if err := r.Set("gps.satellites", 1, ts0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("disabled recorder must not create %s", dir)
	}

	r.SetEnabled(true)
	r.Set("gps.satellites", 1, ts0)
	if r.Path() == "" {
		t.Fatalf("expected a file after enabling")
	}
	r.SetEnabled(false)
	if r.Path() != "" || r.IsEnabled() {
		t.Fatalf("disable must close the file")
	}
}

type fakeToken struct {
	err     error
	timeout bool
	stall   chan struct{} // when set, WaitTimeout blocks until closed
}

func (t *fakeToken) Wait() bool { return t.WaitTimeout(0) }

func (t *fakeToken) WaitTimeout(time.Duration) bool {
	if t.stall != nil {
		<-t.stall
	}
	return !t.timeout
}

func (t *fakeToken) Error() error { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeBroker struct {
	open  bool
	token *fakeToken

	mu           sync.Mutex
	msgs         []published
	disconnected bool
}

func (b *fakeBroker) IsConnectionOpen() bool { return b.open }

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic, qos, retained, payload.([]byte)})
	if b.token != nil {
		return b.token
	}
	return &fakeToken{}
}

func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	b.disconnected = true
	b.mu.Unlock()
}

func (b *fakeBroker) sent() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.msgs...)
}

func TestMQTT_PublishesRetainedJSON(t *testing.T) {
	b := &fakeBroker{open: true}
	m := newMQTT(b, MQTTConfig{TopicPrefix: "vessel/gps/", QoS: 1, Retain: true})

	if err := m.Set("gps.speed_kmh", 41.48, ts0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	m.Close()

	msgs := b.sent()
	if len(msgs) != 1 {
		t.Fatalf("msgs=%d", len(msgs))
	}
	msg := msgs[0]
	if msg.topic != "vessel/gps/gps/speed_kmh" || msg.qos != 1 || !msg.retain {
		t.Fatalf("unexpected publish %+v", msg)
	}
	var v struct {
		Val float64 `json:"val"`
		TS  int64   `json:"ts"`
	}
	if err := json.Unmarshal(msg.payload, &v); err != nil {
		t.Fatalf("payload %s: %v", msg.payload, err)
	}
	if v.Val != 41.48 || v.TS != ts0.UnixMilli() {
		t.Fatalf("payload=%+v", v)
	}
	if !b.disconnected {
		t.Fatalf("Close must disconnect")
	}

	// Values set after Close are ignored.
	if err := m.Set("gps.speed_kmh", 1.0, ts0); err != nil {
		t.Fatalf("Set after Close: %v", err)
	}
	m.Close()
}

func TestMQTT_Offline(t *testing.T) {
	b := &fakeBroker{}
	m := newMQTT(b, MQTTConfig{})
	if err := m.Set("info.connection", false, ts0); err != nil {
		t.Fatalf("offline Set err=%v", err)
	}
	m.Close()
	if len(b.sent()) != 0 {
		t.Fatalf("offline publish must be dropped")
	}
	if got := m.Topic("info.connection"); got != "serialgps/info/connection" {
		t.Fatalf("topic=%q", got)
	}
}

func TestMQTT_PublishErrors(t *testing.T) {
	errBroker := errors.New("not authorized")
	b := &fakeBroker{open: true, token: &fakeToken{err: errBroker}}
	m := newMQTT(b, MQTTConfig{})
	defer m.Close()

	msg := outMsg{id: "gps.hdop", topic: m.Topic("gps.hdop"), payload: []byte("{}")}
	if err := m.publish(msg); !errors.Is(err, errBroker) {
		t.Fatalf("err=%v", err)
	}
	b.token = &fakeToken{timeout: true}
	if err := m.publish(msg); !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("err=%v", err)
	}
}

func TestMQTT_StalledBrokerDoesNotBlockSet(t *testing.T) {
	stall := make(chan struct{})
	b := &fakeBroker{open: true, token: &fakeToken{stall: stall}}
	m := newMQTT(b, MQTTConfig{})

	// One GGA's worth of channels.
	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := m.Set("gps.latitude", float64(i), ts0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if d := time.Since(start); d > 200*time.Millisecond {
		t.Fatalf("Set blocked the caller for %v", d)
	}

	close(stall)
	m.Close()
	if got := len(b.sent()); got != 10 {
		t.Fatalf("published %d, want 10", got)
	}
	if m.dropped.Load() != 0 || m.failed.Load() != 0 {
		t.Fatalf("dropped=%d failed=%d", m.dropped.Load(), m.failed.Load())
	}
}

func TestMQTT_FullQueueDrops(t *testing.T) {
	stall := make(chan struct{})
	b := &fakeBroker{open: true, token: &fakeToken{stall: stall}}
	m := newMQTT(b, MQTTConfig{})

	for i := 0; i < queueSize+5; i++ {
		m.Set("gps.course", float64(i), ts0)
	}
	// The worker may hold one value outside the queue.
	if d := m.dropped.Load(); d < 4 || d > 5 {
		t.Fatalf("dropped=%d, want 4 or 5", d)
	}
	close(stall)
	m.Close()
}
