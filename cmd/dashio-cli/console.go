package main

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/helpers"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/juju/errors"
)

const dialTimeout = 5 * time.Second

type console struct {
	log *log2.Log
	out io.Writer
	// protects out and conn
	mu   sync.Mutex
	conn net.Conn
}

func newConsole(log *log2.Log, out io.Writer) *console {
	return &console{log: log, out: out}
}

func (self *console) execLine(line string) {
	if err := self.exec(line); err != nil {
		self.log.Errorf(errors.ErrorStack(err))
	}
}

func (self *console) exec(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	switch cmd, args := words[0], words[1:]; cmd {
	case "help":
		self.printf("%s", usage)
		return nil
	case "log=yes":
		self.log.SetLevel(log2.LDebug)
		return nil
	case "log=no":
		self.log.SetLevel(log2.LError)
		return nil
	case "connect":
		if len(args) != 1 {
			return errors.NotValidf("connect expects HOST:PORT")
		}
		return self.connect(args[0])
	case "close":
		self.close()
		return nil
	case "who":
		return self.send(codec.EncodeWhoQuery())
	case "send":
		b, err := parseSend(args)
		if err != nil {
			return err
		}
		return self.send(b)
	case "decode":
		ms, err := parseDecode(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "decode")))
		if err != nil {
			return err
		}
		for _, m := range ms {
			self.printMessage(m)
		}
		return nil
	default:
		return errors.Errorf("invalid command: '%s'", cmd)
	}
}

func (self *console) complete(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "connect", Description: "connect HOST:PORT"},
		{Text: "who", Description: "identity query"},
		{Text: "send", Description: "send DEVICE CTRL [ID [PAYLOAD [PAYLOAD2]]]"},
		{Text: "decode", Description: "decode escaped text"},
		{Text: "close", Description: "close connection"},
		{Text: "log=yes", Description: "enable debug logging"},
		{Text: "log=no", Description: "disable debug logging"},
	}
	if strings.HasPrefix(d.TextBeforeCursor(), "send ") {
		suggests = suggests[:0]
		for _, ct := range codec.ControlTypes() {
			suggests = append(suggests, prompt.Suggest{Text: ct.String()})
		}
	}
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}

// parseSend encodes send arguments, unknown control token is sent as is.
func parseSend(args []string) ([]byte, error) {
	if len(args) < 2 || len(args) > codec.MaxFields {
		return nil, errors.NotValidf("send expects DEVICE CTRL [ID [PAYLOAD [PAYLOAD2]]]")
	}
	b := codec.NewBuilderToken(args[0], args[1])
	for _, f := range args[2:] {
		b.Field(f)
	}
	return b.Bytes(), nil
}

// parseDecode unescapes s like Go string literal and decodes all messages.
func parseDecode(s string) ([]codec.Message, error) {
	if s == "" {
		return nil, errors.NotValidf("decode expects text")
	}
	text, err := strconv.Unquote(`"` + strings.Replace(s, `"`, `\"`, -1) + `"`)
	if err != nil {
		return nil, errors.Annotatef(err, "decode unescape text=%s", s)
	}
	ms := []codec.Message{}
	codec.NewDecoder().DecodeAll([]byte(text), func(m codec.Message) { ms = append(ms, m) })
	return ms, nil
}

func (self *console) connect(addr string) error {
	self.close()
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return errors.Annotatef(err, "connect addr=%s", addr)
	}
	self.mu.Lock()
	self.conn = conn
	self.mu.Unlock()
	self.log.Infof("connected addr=%s", conn.RemoteAddr().String())
	go self.readLoop(conn)
	return nil
}

func (self *console) close() {
	self.mu.Lock()
	conn := self.conn
	self.conn = nil
	self.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (self *console) send(b []byte) error {
	self.mu.Lock()
	conn := self.conn
	self.mu.Unlock()
	if conn == nil {
		return errors.Errorf("not connected")
	}
	self.log.Debugf("> %q", b)
	if err := helpers.WriteAll(conn, b); err != nil {
		return errors.Annotate(err, "send")
	}
	return nil
}

func (self *console) readLoop(conn net.Conn) {
	d := codec.NewDecoder(codec.WithLog(self.log))
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		d.DecodeAll(buf[:n], self.printMessage)
		if err != nil {
			self.log.Debugf("connection closed err=%v", err)
			return
		}
	}
}

func (self *console) printMessage(m codec.Message) {
	self.printf("< %s\n", formatMessage(m))
}

func formatMessage(m codec.Message) string {
	return fmt.Sprintf("device=%s control=%s id=%q payload=%q payload2=%q",
		m.DeviceID, m.ControlToken(), m.ID, m.Payload, m.Payload2)
}

func (self *console) printf(format string, args ...interface{}) {
	self.mu.Lock()
	defer self.mu.Unlock()
	fmt.Fprintf(self.out, format, args...)
}
