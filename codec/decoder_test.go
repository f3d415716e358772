package codec

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dashio-connect/dashio-go/helpers"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeString(t testing.TB, d *Decoder, s string) []Message {
	ms := make([]Message, 0, 4)
	d.DecodeAll([]byte(s), func(m Message) { ms = append(ms, m) })
	return ms
}

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  string
		expect []Message
	}{
		{"button", "\tdev1\tBTTN\tb1\tON\n",
			[]Message{{DeviceID: "dev1", Control: ControlButton, Token: "BTTN", ID: "b1", Payload: "ON", Fields: 4}}},
		{"full", "\tdev1\tSLDR\ts1\t25\t75\n",
			[]Message{{DeviceID: "dev1", Control: ControlSlider, Token: "SLDR", ID: "s1", Payload: "25", Payload2: "75", Fields: 5}}},
		{"who-query", "\tWHO\n",
			[]Message{{DeviceID: AnyDevice, Control: ControlWho, Token: "WHO", Fields: 1}}},
		{"connect", "\tdev1\tCONNECT\n",
			[]Message{{DeviceID: "dev1", Control: ControlConnect, Token: "CONNECT", Fields: 2}}},
		{"empty-control", "\tdev1\t\tb1\n",
			[]Message{{DeviceID: "dev1", Control: ControlUnknown, Token: "", ID: "b1", Fields: 3}}},
		{"unknown-control", "\tdev1\tFOO\tx\n",
			[]Message{{DeviceID: "dev1", Control: ControlUnknown, Token: "FOO", ID: "x", Fields: 3}}},
		{"restart", "\tdev1\tBTTN\t\tdev2\tCTRL\n",
			[]Message{{DeviceID: "dev2", Control: ControlCtrl, Token: "CTRL", Fields: 2}}},
		{"separator-separator", "\t\tdev\tCTRL\n",
			[]Message{{DeviceID: "dev", Control: ControlCtrl, Token: "CTRL", Fields: 2}}},
		{"noise-before", "garbage\tdev\tCTRL\n",
			[]Message{{DeviceID: "dev", Control: ControlCtrl, Token: "CTRL", Fields: 2}}},
		{"noise-line", "garbage\n\tdev\tCTRL\n",
			[]Message{{DeviceID: "dev", Control: ControlCtrl, Token: "CTRL", Fields: 2}}},
		{"excess-fields", "\ta\tb\tc\td\te\tf\n\tx\tCTRL\n",
			[]Message{{DeviceID: "x", Control: ControlCtrl, Token: "CTRL", Fields: 2}}},
		{"empty-lines", "\n\n\t\n\tdev\tCLK\n\n",
			[]Message{{DeviceID: "dev", Control: ControlClock, Token: "CLK", Fields: 2}}},
		{"two", "\td\tSTATUS\n\td\tKNOB\tk\t0.5\n", []Message{
			{DeviceID: "d", Control: ControlStatus, Token: "STATUS", Fields: 2},
			{DeviceID: "d", Control: ControlKnob, Token: "KNOB", ID: "k", Payload: "0.5", Fields: 4},
		}},
		{"incomplete", "\td\tSTATUS", []Message{}},
		{"nothing", "", []Message{}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			d := NewDecoder(WithLog(log2.NewTest(t, log2.LDebug)))
			ms := decodeString(t, d, c.input)
			assert.Equal(t, c.expect, ms)
			assert.False(t, d.Ready())
		})
	}
}

func TestDecodeSingleOutstanding(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	input := []byte("\td\tBTTN\tb\tON\n\td\tBTTN\tb\tOFF\n")
	n, done := d.Ingest(input)
	require.True(t, done)
	assert.Equal(t, len("\td\tBTTN\tb\tON\n"), n)
	assert.True(t, d.Ready())
	assert.Equal(t, "ON", d.Message().Payload)

	// without Clear the second message replaces the first
	_, done = d.Ingest(input[n:])
	require.True(t, done)
	assert.Equal(t, "OFF", d.Message().Payload)
	assert.Equal(t, int64(1), d.Stat().Overrun.Value())
	assert.Equal(t, int64(2), d.Stat().Messages.Value())

	d.Clear()
	assert.False(t, d.Ready())
	// message stays readable after Clear, only the flag is reset
	assert.Equal(t, "OFF", d.Message().Payload)
}

func TestDecodeChunked(t *testing.T) {
	t.Parallel()

	stream := strings.Join([]string{
		"\tdev1\tWHO\n",
		"noise\tdev1\tTEXT\tt1\thello world\n",
		"\tdev1\tSLDR\ts1\t1.2346e+05\tnan\n",
		"\tdev1\t\t\tdev1\tCTRL\n",
	}, "")
	whole := decodeString(t, NewDecoder(), stream)
	require.Len(t, whole, 4)

	for _, size := range []int{1, 2, 3, 7, 64} {
		d := NewDecoder()
		got := make([]Message, 0, len(whole))
		for p := []byte(stream); len(p) > 0; {
			n := size
			if n > len(p) {
				n = len(p)
			}
			d.DecodeAll(p[:n], func(m Message) { got = append(got, m) })
			p = p[n:]
		}
		assert.Equal(t, whole, got, "chunk size=%d", size)
	}

	// bytewise IngestByte agrees with the chunked path
	d := NewDecoder()
	got := make([]Message, 0, len(whole))
	for _, c := range []byte(stream) {
		if d.IngestByte(c) {
			got = append(got, d.Message())
			d.Clear()
		}
	}
	assert.Equal(t, whole, got)
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	rnd := helpers.RandUnix()
	d := NewDecoder()
	for _, ct := range ControlTypes() {
		for fields := 0; fields <= 3; fields++ {
			values := make([]string, fields)
			for i := range values {
				values[i] = fmt.Sprintf("v%d-%d", i, rnd.Intn(1000))
			}
			m := NewMessage("dev1", ct, values...)
			require.NoError(t, Validate(&m))
			ms := decodeString(t, d, string(Encode(m)))
			require.Len(t, ms, 1, "m=%s", m.String())
			assert.True(t, m.Equal(ms[0]), "sent=%s received=%s", m.String(), ms[0].String())
			assert.Equal(t, 2+fields, ms[0].Fields)
		}
	}

	query := Message{Control: ControlWho}
	ms := decodeString(t, d, string(Encode(query)))
	require.Len(t, ms, 1)
	assert.True(t, ms[0].IsQuery())
	assert.Equal(t, string(Encode(query)), string(Encode(ms[0])))
}

func TestDecodeResync(t *testing.T) {
	t.Parallel()

	rnd := helpers.RandUnix()
	valid := NewMessage("dev1", ControlButton, "b1", "ON")
	wire := Encode(valid)
	d := NewDecoder()
	for i := 0; i < 200; i++ {
		noise := helpers.RandBytes(rnd, 1+rnd.Intn(600))

		// noise between messages is dropped
		input := append(append([]byte(nil), noise...), wire...)
		ms := make([]Message, 0, 1)
		d.DecodeAll(input, func(m Message) { ms = append(ms, m) })
		require.Len(t, ms, 1, "noise=%x", noise)
		assert.True(t, valid.Equal(ms[0]))

		// noise inside message corrupts at most that message
		input = append([]byte("\tdev1\tBT"), noise...)
		input = append(input, Terminator)
		input = append(input, wire...)
		ms = ms[:0]
		d.DecodeAll(input, func(m Message) { ms = append(ms, m) })
		require.NotEmpty(t, ms)
		assert.True(t, valid.Equal(ms[len(ms)-1]))
		assert.False(t, d.Pending())
	}
	assert.NotZero(t, d.Stat().Noise.Value())
}

func TestDecodeResyncSeparators(t *testing.T) {
	t.Parallel()

	rnd := helpers.RandUnix()
	valid := NewMessage("dev1", ControlButton, "b1", "ON")
	wire := Encode(valid)
	// fields of noise stay under MaxFieldLen
	noise := func(fields int, tail bool) []byte {
		b := helpers.RandBytes(rnd, 1+rnd.Intn(100))
		for i := 0; i < fields; i++ {
			b = append(b, Separator)
			b = append(b, helpers.RandBytes(rnd, 1+rnd.Intn(100))...)
		}
		if tail {
			b = append(b, Separator)
		}
		return b
	}
	cases := []struct {
		name   string
		fields int
		tail   bool
		// first message after noise is recovered
		next bool
	}{
		{"sep-end-pos0", 0, true, true},
		{"sep-end-pos2", 2, true, true},
		{"sep-end-pos3", 3, true, true},
		{"sep-end-pos6", 6, true, true},
		// empty control field resolution consumes leading separator
		{"sep-end-pos1", 1, true, false},
		{"mid-field", 1, false, false},
		{"mid-field-many", 4, false, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			d := NewDecoder()
			for i := 0; i < 50; i++ {
				input := append(noise(c.fields, c.tail), wire...)
				ms := []Message{}
				d.DecodeAll(input, func(m Message) { ms = append(ms, m) })
				if c.next {
					require.Len(t, ms, 1, "input=%q", input)
					assert.True(t, valid.Equal(ms[0]))
				}
				assert.False(t, d.Pending())

				// message after that is always clean
				ms = ms[:0]
				d.DecodeAll(wire, func(m Message) { ms = append(ms, m) })
				require.Len(t, ms, 1)
				assert.True(t, valid.Equal(ms[0]))
			}
		})
	}
}

func TestDecodeFieldOverflow(t *testing.T) {
	t.Parallel()

	d := NewDecoder(WithMaxFieldLen(4))
	ms := decodeString(t, d, "\tdevice1\tCTRL\tx\n\td\tCTRL\n")
	require.Len(t, ms, 1)
	assert.Equal(t, "d", ms[0].DeviceID)
	assert.Equal(t, int64(1), d.Stat().Discarded.Value())

	// field of exactly max length is fine
	ms = decodeString(t, d, "\tdev4\tCTRL\n")
	require.Len(t, ms, 1)
	assert.Equal(t, "dev4", ms[0].DeviceID)
}

func TestDecodeEmptyControlOption(t *testing.T) {
	t.Parallel()

	d := NewDecoder(WithEmptyControl(ControlCtrl))
	ms := decodeString(t, d, "\tdev1\t\tb1\n")
	require.Len(t, ms, 1)
	assert.Equal(t, ControlCtrl, ms[0].Control)
	assert.Equal(t, "", ms[0].Token)
	assert.Equal(t, "\tdev1\tCTRL\tb1\n", string(Encode(ms[0])))
}

func TestDecodeWatchdog(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	assert.False(t, d.ResetIfIdle(time.Second), "idle decoder")
	assert.Empty(t, decodeString(t, d, "\tdev1\tCT"))
	require.True(t, d.Pending())
	assert.False(t, d.ResetIfIdle(time.Hour))
	assert.False(t, d.ResetIfIdle(0))

	d.active.SetTime(time.Now().Add(-time.Minute))
	assert.True(t, d.ResetIfIdle(time.Second))
	assert.False(t, d.Pending())
	assert.Equal(t, int64(1), d.Stat().Resets.Value())

	// tail of abandoned message is noise
	assert.Empty(t, decodeString(t, d, "RL\n"))
	ms := decodeString(t, d, "\tdev1\tCTRL\n")
	require.Len(t, ms, 1)
	assert.Equal(t, ControlCtrl, ms[0].Control)
}

func TestDecodeWriterConn(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	d.SetConn(7)
	n, err := fmt.Fprint(d, "\tdev1\tDIAL\td1\t12\n")
	require.NoError(t, err)
	assert.Equal(t, 17, n)
	require.True(t, d.Ready())
	m := d.Message()
	assert.Equal(t, ConnID(7), m.Conn)
	assert.Equal(t, `conn=7 \tdev1\tDIAL\td1\t12\n`, m.String())
	assert.Contains(t, d.Stat().String(), `"messages":1`)
}

func BenchmarkDecode(b *testing.B) {
	input := EncodeAll([]Message{
		NewMessage("dev1", ControlButton, "b1", "ON"),
		NewMessage("dev1", ControlSlider, "s1", "25", "75"),
		{Control: ControlWho},
	})
	d := NewDecoder()
	b.SetBytes(int64(len(input)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.DecodeAll(input, nil)
	}
}
