package pipeline

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
)

// Submission is a client-sent message handed to the external creation
// pipeline. The store persists it and emits a MessageEvent in return.
type Submission struct {
	SenderID string `json:"senderId"`
	ThreadID string `json:"threadId"`
	Content  string `json:"content"`
}

// Producer publishes submissions from the optional SEND_MESSAGE socket path.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = "chat-realtime"

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{producer: producer, topic: topic}, nil
}

func (p *Producer) PublishMessage(ctx context.Context, senderID, threadID, content string) error {
	data, err := json.Marshal(Submission{SenderID: senderID, ThreadID: threadID, Content: content})
	if err != nil {
		return err
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(threadID),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
