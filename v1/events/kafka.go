package events

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan []byte
}

// KafkaBus publishes events to a Kafka topic, adapted from the teacher's
// syncbus.KafkaBus.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu   sync.Mutex
	subs map[string]*kafkaSubscription
}

func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{producer: producer, consumer: consumer, subs: make(map[string]*kafkaSubscription)}, nil
}

func (b *KafkaBus) Publish(ctx context.Context, key string, data []byte) error {
	msg := &sarama.ProducerMessage{Topic: key, Value: sarama.ByteEncoder(data)}
	_, _, err := b.producer.SendMessage(msg)
	return err
}

func (b *KafkaBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(key, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go b.dispatch(sub, key)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription, key string) {
	for msg := range sub.pc.Messages() {
		b.mu.Lock()
		chans := append([]chan []byte(nil), b.subs[key].chans...)
		b.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- msg.Value:
			default:
			}
		}
	}
}

func (b *KafkaBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close releases the producer and consumer.
func (b *KafkaBus) Close() {
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
