package ipc

import "hashtable"
import "limits"
import "ustr"

// Named channels: a string name, hashed with sdbm, mapped to a
// channel cookie. sdbm's bit diffusion matters here since the
// registry keys on the hash alone - it does not bucket by name.

var nameTable *hashtable.Hashtable_t

const initialNameBuckets = 256

func namedInit() {
	nameTable = hashtable.MkHash(initialNameBuckets)
}

func nameHash(name ustr.Ustr) uint64 {
	return ustr.HashSdbm(name, limits.MAX_CHANNEL_NAME_LENGTH)
}

// / NamedChannelRegister binds name to an existing channel's cookie.
// / Returns false when the channel does not exist, the name is too
// / long, or the name is taken.
func NamedChannelRegister(cookie uint64, name ustr.Ustr) bool {
	if len(name) == 0 || len(name) > limits.MAX_CHANNEL_NAME_LENGTH {
		return false
	}
	if !ChannelExists(cookie) {
		return false
	}
	if !limits.Syslimit.Names.Take() {
		return false
	}
	_, inserted := nameTable.Set(nameHash(name), cookie)
	if !inserted {
		limits.Syslimit.Names.Give()
	}
	return inserted
}

// / NamedChannelFind returns the cookie registered under name, or 0.
func NamedChannelFind(name ustr.Ustr) uint64 {
	v, ok := nameTable.Get(nameHash(name))
	if !ok {
		return 0
	}
	return v.(uint64)
}

// / NamedChannelDeregister removes name and returns the cookie that
// / was registered, or 0 when there was no registration.
func NamedChannelDeregister(name ustr.Ustr) uint64 {
	v := nameTable.Del(nameHash(name))
	if v == nil {
		return 0
	}
	limits.Syslimit.Names.Give()
	return v.(uint64)
}
