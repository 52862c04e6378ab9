package orderlog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "marketprices/internal/domain/entity/marketdata"
)

const sampleLog = `price,volRemaining,typeID,range,orderID,volEntered,minVolume,bid,issueDate,duration,stationID,regionID,solarSystemID,jumps,
5.0,100.0,34,32767,1,100,1,False,2024-01-01 09:00:00.000,90,60003760,10000002,30000142,0,
7.0,300.0,34,32767,2,500,1,False,2024-01-01 09:10:00.000,90,60003760,10000002,30000142,0,
4.2,50.0,34,32767,3,50,1,True,2024-01-01 09:20:00.000,90,60003760,10000002,30000142,0,
900.0,1.0,35,32767,4,1,1,True,2024-01-01 09:30:00.000,90,60003760,10000043,30002187,0,
`

func TestAggregate(t *testing.T) {
	at := time.Date(2024, 1, 1, 13, 0, 0, 0, time.FixedZone("UTC+3", 3*60*60))
	quotes, err := Aggregate(strings.NewReader(sampleLog), at)
	require.NoError(t, err)
	require.Len(t, quotes, 3)

	buy := quotes[0]
	assert.Equal(t, domain.RegionID(10000002), buy.Region)
	assert.Equal(t, domain.ItemID(34), buy.Item)
	assert.Equal(t, domain.SideBuy, buy.Side)
	assert.Equal(t, int64(4), buy.AvgPrice)
	assert.Equal(t, int64(1), buy.OrderCount)

	sell := quotes[1]
	assert.Equal(t, domain.SideSell, sell.Side)
	assert.Equal(t, domain.SourceLog, sell.Source)
	assert.Equal(t, int64(5), sell.MinPrice)
	assert.Equal(t, int64(7), sell.MaxPrice)
	assert.Equal(t, int64(7), sell.AvgPrice) // (5*100 + 7*300) / 400 = 6.5
	assert.Equal(t, int64(2), sell.OrderCount)
	assert.Equal(t, int64(400), sell.RemainingVolume)
	assert.Equal(t, int64(600), sell.TotalVolume)
	assert.True(t, sell.Timestamp.Equal(at))
	assert.Equal(t, time.UTC, sell.Timestamp.Location())
	assert.NotEmpty(t, sell.OrderID)

	assert.Equal(t, domain.RegionID(10000043), quotes[2].Region)
	for _, q := range quotes {
		assert.NoError(t, q.Validate())
	}
}

func TestAggregateEmpty(t *testing.T) {
	quotes, err := Aggregate(strings.NewReader(""), time.Now())
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestAggregateRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing column": "price,typeID\n5,34\n",
		"bad price":      "price,volRemaining,volEntered,typeID,regionID,bid\nabc,1,1,34,1,True\n",
		"bad bid":        "price,volRemaining,volEntered,typeID,regionID,bid\n5,1,1,34,1,maybe\n",
		"no region":      "price,volRemaining,volEntered,typeID,regionID,bid\n5,1,1,34,0,True\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Aggregate(strings.NewReader(in), time.Now())
			assert.Error(t, err)
		})
	}
}
