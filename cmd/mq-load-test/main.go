package main

import (
	"github.com/informalsystems/mq-load-test/pkg/loadtest"
)

const appLongDesc = `Load testing application for message queue request/reply workloads, with
optional master/slave mode. Puts large quantities of messages onto an output
queue from a pool of broker sessions, monitors the queue depth while it does so,
then correlates replies from an input queue and reports latency, throughput and
queue drain statistics.

To run the application in STANDALONE mode against the in-process broker:
    mq-load-test -T 10s -t 8 --pool-size 4 --stats-output stats.csv

To run the application against NATS JetStream:
    mq-load-test --broker nats --nats-create-streams \
        -c nats1.somewhere.com:4222:loadtest:QM1,nats2.somewhere.com:4222:loadtest:QM1 \
        -o LOADTEST.REQUEST -i LOADTEST.REPLY -T 30s -t 16

To run the application in SLAVE mode:
    mq-load-test slave --port 8888 --broker nats -c nats1.somewhere.com:4222:loadtest:QM1

To run the application in MASTER mode:
    mq-load-test master --slaves slave1.somewhere.com,slave2.somewhere.com:9999 \
        --broker nats -c nats1.somewhere.com:4222:loadtest:QM1 -T 30s

To echo requests back as replies (e.g. when no real service is available):
    mq-load-test responder --broker nats -c nats1.somewhere.com:4222:loadtest:QM1

To print the depth of the request and reply queues every second:
    mq-load-test monitor --broker nats -c nats1.somewhere.com:4222:loadtest:QM1 \
        --queues LOADTEST.REQUEST,LOADTEST.REPLY

NOTE: Slaves use their own load testing flags. The master only tells them when
to connect, warm up, start and report.
`

func main() {
	loadtest.Run(&loadtest.CLIConfig{
		AppName:      "mq-load-test",
		AppShortDesc: "Load testing application for message queue request/reply workloads",
		AppLongDesc:  appLongDesc,
	})
}
