package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/angzarr-io/angzarr/bus"
	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/pb"
)

// Broker implements bus.Bus over named pipes: one FIFO per subscriber under
// Dir, framed with a 4-byte big-endian length prefix per message. Domain
// filtering is applied at publish time (a message is written only to the
// pipes of subscribers whose filter matches).
type Broker struct {
	Dir       string
	log       *zap.Logger
	offloader *bus.Offloader
	dlq       bus.DeadLetterWriter
	source    string

	mu    sync.Mutex
	subs  []*pipeSubscriber
	wg    sync.WaitGroup
}

type pipeSubscriber struct {
	name         string
	domainFilter string
	handler      bus.Handler
	path         string
	checkpoint   *Checkpoint
	writeMu      sync.Mutex
	writeFile    *os.File
}

func NewBroker(dir string, log *zap.Logger, offloader *bus.Offloader, source string) *Broker {
	return &Broker{Dir: dir, log: log, offloader: offloader, source: source}
}

func (b *Broker) SetDeadLetterWriter(dlq bus.DeadLetterWriter) { b.dlq = dlq }

// Subscribe creates the subscriber's FIFO and loads its checkpoint file.
func (b *Broker) Subscribe(name string, domainFilter string, handler bus.Handler) error {
	path := filepath.Join(b.Dir, name+".fifo")
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return errs.Wrap(errs.Transport, "ipc mkdir", err)
	}
	_ = os.Remove(path)
	if err := syscall.Mkfifo(path, 0o600); err != nil {
		return errs.Wrap(errs.Transport, "ipc mkfifo", err)
	}
	cp, err := LoadCheckpoint(filepath.Join(b.Dir, name+".checkpoint.json"))
	if err != nil {
		return errs.Wrap(errs.Transport, "ipc load checkpoint", err)
	}
	sub := &pipeSubscriber{name: name, domainFilter: domainFilter, handler: handler, path: path, checkpoint: cp}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *Broker) matching(domain string) []*pipeSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*pipeSubscriber
	for _, s := range b.subs {
		if s.domainFilter == "" || s.domainFilter == domain {
			out = append(out, s)
		}
	}
	return out
}

// Publish writes book, length-prefixed and JSON-encoded, to every matching
// subscriber's pipe.
func (b *Broker) Publish(ctx context.Context, book *pb.EventBook) (bus.PublishResult, error) {
	offloadedBook, offloadedCount, err := b.offloader.OffloadBook(ctx, book)
	if err != nil {
		return bus.PublishResult{}, err
	}
	data, err := json.Marshal(offloadedBook)
	if err != nil {
		return bus.PublishResult{}, errs.Wrap(errs.DecodeError, "encode event book", err)
	}
	delivered := 0
	for _, sub := range b.matching(offloadedBook.Cover.Domain) {
		if err := writeFrame(sub, data); err != nil {
			b.log.Warn("ipc write failed", zap.String("subscriber", sub.name), zap.Error(err))
			continue
		}
		delivered++
	}
	return bus.PublishResult{Delivered: delivered, Offloaded: offloadedCount}, nil
}

func writeFrame(sub *pipeSubscriber, data []byte) error {
	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()
	if sub.writeFile == nil {
		f, err := os.OpenFile(sub.path, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		sub.writeFile = f
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := sub.writeFile.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := sub.writeFile.Write(data)
	return err
}

// StartConsuming spawns one reader goroutine per subscriber's FIFO.
func (b *Broker) StartConsuming(ctx context.Context) error {
	b.mu.Lock()
	subs := append([]*pipeSubscriber(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.wg.Add(1)
		go b.readLoop(ctx, sub)
	}
	return nil
}

func (b *Broker) readLoop(ctx context.Context, sub *pipeSubscriber) {
	defer b.wg.Done()
	f, err := os.OpenFile(sub.path, os.O_RDONLY, 0)
	if err != nil {
		b.log.Error("ipc open reader", zap.String("subscriber", sub.name), zap.Error(err))
		return
	}
	defer f.Close()
	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			if err == io.EOF {
				return
			}
			b.log.Warn("ipc frame length read failed", zap.Error(err))
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(reader, payload); err != nil {
			b.log.Warn("ipc frame body read failed", zap.Error(err))
			return
		}
		b.handle(ctx, sub, payload)
	}
}

func (b *Broker) handle(ctx context.Context, sub *pipeSubscriber, payload []byte) {
	var book pb.EventBook
	if err := json.Unmarshal(payload, &book); err != nil {
		b.log.Warn("dropping malformed ipc message", zap.String("subscriber", sub.name), zap.Error(err))
		return
	}
	if seq, ok := book.LastSequence(); ok && sub.checkpoint.ShouldDrop(book.Cover.Domain, book.Cover.Root, seq) {
		return
	}
	rehydrated, err := b.offloader.RehydrateBook(ctx, &book)
	if err != nil {
		b.log.Error("rehydrate failed", zap.Error(err))
		if b.dlq != nil {
			_ = b.dlq.Write(ctx, bus.DLQEnvelope{Cover: book.Cover, Payload: &book, Reason: err.Error(), Detail: "IntegrityFailed", SourceComponent: b.source, SourceKind: "bus:ipc"})
		}
		return
	}
	if err := sub.handler(ctx, rehydrated); err != nil {
		if b.dlq != nil {
			_ = b.dlq.Write(ctx, bus.DLQEnvelope{Cover: book.Cover, Payload: rehydrated, Reason: err.Error(), Detail: "EventProcessingFailed", SourceComponent: b.source, SourceKind: fmt.Sprintf("subscriber:%s", sub.name)})
		}
		return
	}
	if seq, ok := rehydrated.LastSequence(); ok {
		if err := sub.checkpoint.Advance(rehydrated.Cover.Domain, rehydrated.Cover.Root, seq); err != nil {
			b.log.Warn("checkpoint flush failed", zap.Error(err))
		}
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.writeFile != nil {
			_ = sub.writeFile.Close()
		}
		_ = sub.checkpoint.Flush()
		_ = os.Remove(sub.path)
	}
	b.wg.Wait()
	return nil
}
