// Package storepb is the protobuf encoding of cached store entities. The
// schema is assembled from a descriptor at init and messages are dynamic,
// so nothing here depends on protoc output.
package storepb

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/unkn0wn-root/flashsale/codec"
	"github.com/unkn0wn-root/flashsale/store"
)

var (
	shopDesc  protoreflect.MessageDescriptor
	offerDesc protoreflect.MessageDescriptor
)

func init() {
	fd, err := protodesc.NewFile(schema(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("storepb: build schema: %v", err))
	}
	shopDesc = fd.Messages().ByName("Shop")
	offerDesc = fd.Messages().ByName("Offer")
}

// schema is the equivalent of:
//
//	syntax = "proto3";
//	package flashsale.store;
//	message Shop  { int64 id = 1; string name = 2; int64 type_id = 3;
//	                string address = 4; int32 score = 5;
//	                google.protobuf.Timestamp updated_at = 6; }
//	message Offer { int64 id = 1; int64 stock = 2;
//	                google.protobuf.Timestamp window_start = 3;
//	                google.protobuf.Timestamp window_end = 4; }
func schema() *descriptorpb.FileDescriptorProto {
	const (
		i64 = descriptorpb.FieldDescriptorProto_TYPE_INT64
		i32 = descriptorpb.FieldDescriptorProto_TYPE_INT32
		str = descriptorpb.FieldDescriptorProto_TYPE_STRING
		ts  = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String("flashsale/store.proto"),
		Package:    proto.String("flashsale.store"),
		Syntax:     proto.String("proto3"),
		Dependency: []string{timestamppb.File_google_protobuf_timestamp_proto.Path()},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("Shop"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("id", 1, i64),
					field("name", 2, str),
					field("type_id", 3, i64),
					field("address", 4, str),
					field("score", 5, i32),
					field("updated_at", 6, ts),
				},
			},
			{
				Name: proto.String("Offer"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("id", 1, i64),
					field("stock", 2, i64),
					field("window_start", 3, ts),
					field("window_end", 4, ts),
				},
			},
		},
	}
}

func field(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
	if typ == descriptorpb.FieldDescriptorProto_TYPE_MESSAGE {
		f.TypeName = proto.String(".google.protobuf.Timestamp")
	}
	return f
}

// ShopCodec encodes store.Shop as flashsale.store.Shop.
func ShopCodec() codec.Codec[store.Shop] {
	return codec.ProtoMapped[store.Shop, *dynamicpb.Message]{
		Proto:   codec.NewProtobuf(func() *dynamicpb.Message { return dynamicpb.NewMessage(shopDesc) }),
		ToMsg:   shopToMsg,
		FromMsg: shopFromMsg,
	}
}

// OfferCodec encodes store.Offer as flashsale.store.Offer.
func OfferCodec() codec.Codec[store.Offer] {
	return codec.ProtoMapped[store.Offer, *dynamicpb.Message]{
		Proto:   codec.NewProtobuf(func() *dynamicpb.Message { return dynamicpb.NewMessage(offerDesc) }),
		ToMsg:   offerToMsg,
		FromMsg: offerFromMsg,
	}
}

func shopToMsg(s store.Shop) *dynamicpb.Message {
	m := dynamicpb.NewMessage(shopDesc)
	setInt64(m, "id", s.ID)
	m.Set(fieldOf(m, "name"), protoreflect.ValueOfString(s.Name))
	setInt64(m, "type_id", s.TypeID)
	m.Set(fieldOf(m, "address"), protoreflect.ValueOfString(s.Address))
	m.Set(fieldOf(m, "score"), protoreflect.ValueOfInt32(s.Score))
	setTime(m, "updated_at", s.UpdatedAt)
	return m
}

func shopFromMsg(m *dynamicpb.Message) (store.Shop, error) {
	if m.Descriptor() != shopDesc {
		return store.Shop{}, fmt.Errorf("storepb: got %s, want Shop", m.Descriptor().FullName())
	}
	return store.Shop{
		ID:        m.Get(fieldOf(m, "id")).Int(),
		Name:      m.Get(fieldOf(m, "name")).String(),
		TypeID:    m.Get(fieldOf(m, "type_id")).Int(),
		Address:   m.Get(fieldOf(m, "address")).String(),
		Score:     int32(m.Get(fieldOf(m, "score")).Int()),
		UpdatedAt: getTime(m, "updated_at"),
	}, nil
}

func offerToMsg(o store.Offer) *dynamicpb.Message {
	m := dynamicpb.NewMessage(offerDesc)
	setInt64(m, "id", o.ID)
	setInt64(m, "stock", o.Stock)
	setTime(m, "window_start", o.WindowStart)
	setTime(m, "window_end", o.WindowEnd)
	return m
}

func offerFromMsg(m *dynamicpb.Message) (store.Offer, error) {
	if m.Descriptor() != offerDesc {
		return store.Offer{}, fmt.Errorf("storepb: got %s, want Offer", m.Descriptor().FullName())
	}
	return store.Offer{
		ID:          m.Get(fieldOf(m, "id")).Int(),
		Stock:       m.Get(fieldOf(m, "stock")).Int(),
		WindowStart: getTime(m, "window_start"),
		WindowEnd:   getTime(m, "window_end"),
	}, nil
}

func fieldOf(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(name)
}

func setInt64(m protoreflect.Message, name protoreflect.Name, v int64) {
	m.Set(fieldOf(m, name), protoreflect.ValueOfInt64(v))
}

// setTime leaves the field unset for the zero time.
func setTime(m protoreflect.Message, name protoreflect.Name, t time.Time) {
	if t.IsZero() {
		return
	}
	ts := m.Mutable(fieldOf(m, name)).Message()
	ts.Set(fieldOf(ts, "seconds"), protoreflect.ValueOfInt64(t.Unix()))
	ts.Set(fieldOf(ts, "nanos"), protoreflect.ValueOfInt32(int32(t.Nanosecond())))
}

func getTime(m protoreflect.Message, name protoreflect.Name) time.Time {
	fd := fieldOf(m, name)
	if !m.Has(fd) {
		return time.Time{}
	}
	ts := m.Get(fd).Message()
	return time.Unix(ts.Get(fieldOf(ts, "seconds")).Int(), ts.Get(fieldOf(ts, "nanos")).Int()).UTC()
}
