package uprobelist

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test(t *testing.T) {
	assert := assert.New(t)
	table := Parse(bytes.Trim([]byte(`
p:uprobes/mysession_1234_1_Foo /usr/bin/bash:0x00000000000a8f60 _arg0=+0(%di):string _arg1=%si
r:uprobes/mysession_1234_1_FooRet /usr/bin/bash:0x00000000000a8f60 _arg0=$retval
p:other/mysession_1_1_Bar /lib/libc.so.6:0x0000000000001000
p:uprobes/othersession_1_1_Baz /lib/libc.so.6:0x0000000000002000(0x10)
garbage line
`), "\n"))

	assert.Equal(4, table.Len())
	foo := table.Probes()[0]
	assert.False(foo.Return)
	assert.Equal("uprobes", foo.Group)
	assert.Equal("mysession_1234_1_Foo", foo.Event)
	assert.Equal("/usr/bin/bash", foo.Path)
	assert.Equal(uint64(0xa8f60), foo.Offset)
	assert.Equal([]string{"_arg0=+0(%di):string", "_arg1=%si"}, foo.Args)
	assert.True(table.Probes()[1].Return)
	assert.Nil(table.Probes()[2].Args)
	assert.Equal(uint64(0x2000), table.Probes()[3].Offset)

	assert.Equal([]string{
		"mysession_1234_1_Foo", "mysession_1234_1_FooRet",
	}, table.Instances("uprobes", "mysession"))
	assert.Equal([]string{"mysession_1_1_Bar"},
		table.Instances("other", "mysession"))
	assert.Nil(table.Instances("uprobes", "nosuch"))
	assert.Nil(table.Instances("uprobes", "mysession_1234"))
}

func TestInstanceOf(t *testing.T) {
	assert := assert.New(t)
	assert.True(InstanceOf("foo_1234_1_Open", "foo"))
	assert.True(InstanceOf("foo_1_2__private", "foo"))
	assert.True(InstanceOf("foo_1_2_3_4_Open", "foo_1_2"))

	// Sessions whose names only start with the name.
	assert.False(InstanceOf("foo_bar_4321_1_Live", "foo"))
	assert.False(InstanceOf("foo_1_2_3_Open", "foo"))
	assert.False(InstanceOf("foobar_1_2_Open", "foo"))

	// Malformed instance names.
	assert.False(InstanceOf("foo_1_Open", "foo"))
	assert.False(InstanceOf("foo_1_2_", "foo"))
	assert.False(InstanceOf("foo_x_2_Open", "foo"))
	assert.False(InstanceOf("foo_1_2_Open", ""))

	assert.True(ValidEvent("ReadLine"))
	assert.True(ValidEvent("_arg_9"))
	assert.False(ValidEvent("9Lives"))
	assert.False(ValidEvent("Read Line"))
	assert.False(ValidEvent(""))
}
